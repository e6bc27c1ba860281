// Package infer derives a usable schema from a raw tabular upload:
// cleaned column names, per-column storage types, and semantic role
// assignments that later feed the canonical store and the query
// engine.
package infer

import "strings"

// Role is a semantic meaning a column can carry. Roles are a closed
// vocabulary; query-facing code must never accept arbitrary column
// names in their place.
type Role int

const (
	RoleDate Role = iota
	RoleType
	RoleProduct
	RoleQuantity
	RolePrice
	RoleCustomer
	RoleRegion
	roleCount
)

var roleNames = [...]string{
	RoleDate:     "date",
	RoleType:     "type",
	RoleProduct:  "product",
	RoleQuantity: "quantity",
	RolePrice:    "price",
	RoleCustomer: "customer",
	RoleRegion:   "region",
}

func (r Role) String() string {
	if r < 0 || int(r) >= len(roleNames) {
		return "unknown"
	}
	return roleNames[r]
}

// ParseRole maps a wire name back to a role.
func ParseRole(s string) (Role, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range roleNames {
		if s == name {
			return Role(i), true
		}
	}
	return 0, false
}

// roleRule pairs a role with the name substrings that suggest it.
// Order matters twice over: earlier rules beat later ones for a given
// column, and the first column matching a rule claims the role.
type roleRule struct {
	role     Role
	patterns []string
}

var roleRules = []roleRule{
	{RoleDate, []string{"date", "time", "created", "updated"}},
	{RoleProduct, []string{"product", "item"}},
	{RoleRegion, []string{"region", "location", "area"}},
	{RoleCustomer, []string{"customer", "client", "account"}},
	{RoleQuantity, []string{"quantity", "qty"}},
	{RolePrice, []string{"price", "amount", "sales"}},
	{RoleType, []string{"type", "category"}},
}

// Schema is the inference result for one upload.
type Schema struct {
	// Columns are the cleaned, deduplicated column names, aligned with
	// the table's column order.
	Columns []string
	// Types maps each cleaned column name to its inferred type.
	Types map[string]ColumnType
	// Roles maps each claimed role to the column that carries it.
	Roles map[Role]string
	// Numeric lists columns usable as measures: typed numeric columns
	// plus text columns whose sampled values are mostly numbers.
	Numeric []string
}

// Column returns the column carrying a role, or "" when unclaimed.
func (s *Schema) Column(r Role) string {
	if s == nil {
		return ""
	}
	return s.Roles[r]
}

// IsNumeric reports whether a column was classified as a measure.
func (s *Schema) IsNumeric(column string) bool {
	for _, c := range s.Numeric {
		if c == column {
			return true
		}
	}
	return false
}

// AssignRoles matches cleaned column names against the role rules.
// Rules run in order, earlier columns win, and a column carries at
// most one role. Callers reconstructing a stored dataset's schema use
// this directly since role assignment is derived, never persisted.
func AssignRoles(columns []string) map[Role]string {
	roles := make(map[Role]string, roleCount)
	for _, rule := range roleRules {
		for _, name := range columns {
			if _, taken := roles[rule.role]; taken {
				break
			}
			if claimed(roles, name) {
				continue
			}
			for _, pat := range rule.patterns {
				if strings.Contains(name, pat) {
					roles[rule.role] = name
					break
				}
			}
		}
	}
	return roles
}

// Infer normalizes the table's header in place and derives the schema.
// Columns with no matching role are kept; they simply stay out of the
// role map.
func Infer(columns []string, rows [][]any) *Schema {
	cleaned := NormalizeHeader(columns)

	types := inferColumnTypes(cleaned, rows)
	typeMap := make(map[string]ColumnType, len(cleaned))
	for i, name := range cleaned {
		typeMap[name] = types[i]
	}

	roles := AssignRoles(cleaned)

	var numeric []string
	for i, name := range cleaned {
		switch types[i] {
		case TypeInteger, TypeFloat:
			numeric = append(numeric, name)
		case TypeText:
			if numericShare(i, rows) > 0.5 {
				numeric = append(numeric, name)
			}
		}
	}

	out := make([]string, len(cleaned))
	copy(out, cleaned)
	return &Schema{Columns: out, Types: typeMap, Roles: roles, Numeric: numeric}
}

func claimed(roles map[Role]string, column string) bool {
	for _, c := range roles {
		if c == column {
			return true
		}
	}
	return false
}
