package shared

// Core platform permissions.
const (
	PermUsersView = "users.view"
	PermUsersEdit = "users.edit"

	PermRolesView   = "roles.view"
	PermRolesEdit   = "roles.edit"
	PermRolesAssign = "roles.assign"

	PermPermissionsView = "permissions.view"
	PermPermissionsEdit = "permissions.edit"
	PermGroupsEdit      = "groups.edit"

	PermOrganizationsView = "organizations.view"
	PermOrganizationsEdit = "organizations.edit"

	PermLocationsView = "locations.view"
	PermDashboardView = "dashboard.view"
)

// CoreScopes lists all permissions related to the core platform.
func CoreScopes() []string {
	return []string{
		PermUsersView,
		PermUsersEdit,
		PermRolesView,
		PermRolesEdit,
		PermRolesAssign,
		PermPermissionsView,
		PermPermissionsEdit,
		PermGroupsEdit,
		PermOrganizationsView,
		PermOrganizationsEdit,
		PermLocationsView,
		PermDashboardView,
	}
}
