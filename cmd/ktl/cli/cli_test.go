package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/kloudtech/ktl-billing/internal/geo"
	"github.com/kloudtech/ktl-billing/internal/shared"
	"github.com/kloudtech/ktl-billing/internal/users"
	"github.com/kloudtech/ktl-billing/jobs"
)

type stubImporter struct {
	seeds []geo.DistrictSeed
	err   error
}

func (s *stubImporter) Import(_ context.Context, seeds []geo.DistrictSeed) (geo.ImportResult, error) {
	s.seeds = seeds
	if s.err != nil {
		return geo.ImportResult{}, s.err
	}
	return geo.ImportResult{Districts: len(seeds), Thanas: 1}, nil
}

func TestLocationsCommandImportsBundledList(t *testing.T) {
	importer := &stubImporter{}
	stdout := new(bytes.Buffer)
	stderr := new(bytes.Buffer)

	code := LocationsCommand(context.Background(), importer, LocationsOptions{JSONOutput: true, Stdout: stdout, Stderr: stderr})
	require.Zero(t, code, stderr.String())
	require.Len(t, importer.seeds, 63)

	var summary LocationsSummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	require.Equal(t, "bundled", summary.Source)
	require.Equal(t, 63, summary.Districts)
	require.NotNil(t, summary.Created)
	require.Equal(t, 63, summary.Created.Districts)
}

func TestLocationsCommandDryRunReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seeds.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"name":"Dhaka","code":"DHA","thanas":["Dhanmondi","Gulshan"]}]`), 0o600))

	importer := &stubImporter{}
	stdout := new(bytes.Buffer)
	code := LocationsCommand(context.Background(), importer, LocationsOptions{Source: path, DryRun: true, Stdout: stdout})
	require.Zero(t, code)
	require.Nil(t, importer.seeds)
	require.Contains(t, stdout.String(), "1 districts, 2 thanas")
	require.Contains(t, stdout.String(), "dry run")
}

func TestLocationsCommandFailures(t *testing.T) {
	stderr := new(bytes.Buffer)
	code := LocationsCommand(context.Background(), &stubImporter{}, LocationsOptions{Source: filepath.Join(t.TempDir(), "missing.json"), Stderr: stderr})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "locations:")

	stderr.Reset()
	code = LocationsCommand(context.Background(), &stubImporter{err: errors.New("db down")}, LocationsOptions{Stdout: new(bytes.Buffer), Stderr: stderr})
	require.Equal(t, 1, code)
	require.Contains(t, stderr.String(), "db down")
}

func TestTaskForKnownJobs(t *testing.T) {
	task, err := TaskFor(jobs.TaskRoleExpirySweep)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskRoleExpirySweep, task.Type())

	var payload jobs.RoleExpiryPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, jobs.DefaultExpiryBatch, payload.BatchSize)

	task, err = TaskFor(jobs.TaskIdempotencyCleanup)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskIdempotencyCleanup, task.Type())

	_, err = TaskFor("reports:build")
	require.Error(t, err)
}

type stubCreator struct {
	in  users.CreateUserInput
	err error
}

func (s *stubCreator) CreateUser(_ context.Context, in users.CreateUserInput, _ uuid.UUID) (users.User, error) {
	s.in = in
	if s.err != nil {
		return users.User{}, s.err
	}
	return users.User{ID: uuid.New(), LoginID: in.LoginID, UserType: in.UserType}, nil
}

func TestCreateAdminCommand(t *testing.T) {
	creator := &stubCreator{}
	stdout := new(bytes.Buffer)
	code := CreateAdminCommand(context.Background(), creator, AdminOptions{
		LoginID: "root", Email: "root@ktl.local", Name: "Root", Password: "s3cret-pass", Stdout: stdout,
	})
	require.Zero(t, code)
	require.Equal(t, users.TypeSuperAdmin, creator.in.UserType)
	require.Equal(t, creator.in.Password, creator.in.PasswordConfirm)
	require.Contains(t, stdout.String(), "created super admin root")
}

func TestCreateAdminCommandOutcomes(t *testing.T) {
	stderr := new(bytes.Buffer)
	require.Equal(t, 1, CreateAdminCommand(context.Background(), &stubCreator{}, AdminOptions{LoginID: "root", Stderr: stderr}))
	require.Contains(t, stderr.String(), "password is required")

	stdout := new(bytes.Buffer)
	dup := &stubCreator{err: fmt.Errorf("%w: login_id already taken", shared.ErrDuplicateName)}
	require.Zero(t, CreateAdminCommand(context.Background(), dup, AdminOptions{LoginID: "root", Password: "x", Stdout: stdout}))
	require.Contains(t, stdout.String(), "already exists")

	stderr.Reset()
	invalid := &stubCreator{err: shared.NewValidationError(map[string]string{"email": "must be a valid email"})}
	require.Equal(t, 1, CreateAdminCommand(context.Background(), invalid, AdminOptions{Password: "x", Stderr: stderr}))
	require.Contains(t, stderr.String(), "email must be a valid email")
}
