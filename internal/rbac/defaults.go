package rbac

// Menu keys.
const (
	MenuDashboard = "dashboard"
	MenuContracts = "contracts"
	MenuWaybills  = "waybills"
	MenuDrivers   = "drivers"
	MenuVehicles  = "vehicles"
	MenuFinance   = "finance"
	MenuReports   = "reports"
	MenuPartners  = "partners"
	MenuUsers     = "users"
	MenuSettings  = "settings"
)

// Function keys.
const (
	FuncView    = "view"
	FuncCreate  = "create"
	FuncEdit    = "edit"
	FuncDelete  = "delete"
	FuncApprove = "approve"
	FuncExport  = "export"
	FuncImport  = "import"
)

// Project keys.
const (
	ProjectViewAll      = "view_all"
	ProjectViewAssigned = "view_assigned"
	ProjectManage       = "manage"
	ProjectAssign       = "assign_members"
)

// Data keys.
const (
	DataAll        = "all"
	DataCompany    = "own_company"
	DataProject    = "own_project"
	DataOwn        = "own"
	DataFinancials = "financials"
)

// DefaultTemplate returns the hard-coded system default for a built-in role.
// It reports false for roles without a system default.
func DefaultTemplate(role Role) (RoleTemplate, bool) {
	var t RoleTemplate
	switch role {
	case RoleAdmin:
		t = RoleTemplate{
			DisplayName: "Administrator",
			Description: "Full access to every module and all data",
			Color:       "#d32f2f",
			Permissions: Permissions{
				Menu:     []string{MenuDashboard, MenuContracts, MenuWaybills, MenuDrivers, MenuVehicles, MenuFinance, MenuReports, MenuPartners, MenuUsers, MenuSettings},
				Function: []string{FuncView, FuncCreate, FuncEdit, FuncDelete, FuncApprove, FuncExport, FuncImport},
				Project:  []string{ProjectViewAll, ProjectManage, ProjectAssign},
				Data:     []string{DataAll, DataFinancials},
			},
		}
	case RoleFinance:
		t = RoleTemplate{
			DisplayName: "Finance",
			Description: "Settlement, invoicing and financial reporting",
			Color:       "#388e3c",
			Permissions: Permissions{
				Menu:     []string{MenuDashboard, MenuContracts, MenuFinance, MenuReports},
				Function: []string{FuncView, FuncCreate, FuncEdit, FuncApprove, FuncExport},
				Project:  []string{ProjectViewAll},
				Data:     []string{DataCompany, DataFinancials},
			},
		}
	case RoleBusiness:
		t = RoleTemplate{
			DisplayName: "Business",
			Description: "Contracts and customer-facing operations",
			Color:       "#1976d2",
			Permissions: Permissions{
				Menu:     []string{MenuDashboard, MenuContracts, MenuWaybills, MenuPartners, MenuReports},
				Function: []string{FuncView, FuncCreate, FuncEdit, FuncExport},
				Project:  []string{ProjectViewAssigned, ProjectManage},
				Data:     []string{DataProject},
			},
		}
	case RoleOperator:
		t = RoleTemplate{
			DisplayName: "Operator",
			Description: "Day-to-day dispatch of waybills, drivers and vehicles",
			Color:       "#f57c00",
			Permissions: Permissions{
				Menu:     []string{MenuDashboard, MenuWaybills, MenuDrivers, MenuVehicles},
				Function: []string{FuncView, FuncCreate, FuncEdit},
				Project:  []string{ProjectViewAssigned},
				Data:     []string{DataProject},
			},
		}
	case RolePartner:
		t = RoleTemplate{
			DisplayName: "Partner",
			Description: "External partner with access to own records",
			Color:       "#7b1fa2",
			Permissions: Permissions{
				Menu:     []string{MenuDashboard, MenuWaybills},
				Function: []string{FuncView},
				Project:  []string{ProjectViewAssigned},
				Data:     []string{DataOwn},
			},
		}
	case RoleViewer:
		t = RoleTemplate{
			DisplayName: "Viewer",
			Description: "Read-only access to the dashboard",
			Color:       "#616161",
			Permissions: Permissions{
				Menu:     []string{MenuDashboard},
				Function: []string{FuncView},
				Project:  []string{},
				Data:     []string{DataOwn},
			},
		}
	default:
		return RoleTemplate{}, false
	}
	t.Role = role
	t.IsSystem = true
	t.Permissions = t.Permissions.Normalize()
	return t, true
}

// DefaultTemplates returns the system defaults for every built-in role.
func DefaultTemplates() []RoleTemplate {
	out := make([]RoleTemplate, 0, len(builtInRoles))
	for _, r := range builtInRoles {
		if t, ok := DefaultTemplate(r); ok {
			out = append(out, t)
		}
	}
	return out
}
