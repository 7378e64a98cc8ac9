package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/kloudtech/ktl-billing/internal/shared"
	"github.com/kloudtech/ktl-billing/internal/users"
)

// UserCreator stores a new account.
type UserCreator interface {
	CreateUser(ctx context.Context, in users.CreateUserInput, actor uuid.UUID) (users.User, error)
}

// AdminOptions configures the bootstrap admin command.
type AdminOptions struct {
	LoginID  string
	Email    string
	Name     string
	Password string
	Stdout   io.Writer
	Stderr   io.Writer
}

// CreateAdminCommand creates the first super admin account. An existing
// account with the same login is reported and left alone.
func CreateAdminCommand(ctx context.Context, creator UserCreator, opts AdminOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Password == "" {
		_, _ = fmt.Fprintln(opts.Stderr, "admin: password is required (KTL_ADMIN_PASSWORD)")
		return 1
	}
	u, err := creator.CreateUser(ctx, users.CreateUserInput{
		LoginID:         opts.LoginID,
		Email:           opts.Email,
		Name:            opts.Name,
		UserType:        users.TypeSuperAdmin,
		Password:        opts.Password,
		PasswordConfirm: opts.Password,
		IsStaff:         true,
	}, uuid.Nil)
	var verr *shared.ValidationError
	switch {
	case errors.Is(err, shared.ErrDuplicateName):
		_, _ = fmt.Fprintf(opts.Stdout, "admin %s already exists\n", opts.LoginID)
		return 0
	case errors.As(err, &verr):
		for field, msg := range verr.Fields {
			_, _ = fmt.Fprintf(opts.Stderr, "admin: %s %s\n", field, msg)
		}
		return 1
	case err != nil:
		_, _ = fmt.Fprintf(opts.Stderr, "admin: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(opts.Stdout, "created super admin %s (%s)\n", u.LoginID, u.ID)
	return 0
}
