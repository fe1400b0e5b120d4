package perm

// DefaultCodes is the permission set registered at startup. Grant rows may
// reference wildcards over these resources; the catalog itself holds only
// concrete codes.
func DefaultCodes() []Code {
	return []Code{
		{Resource: "doc", Action: "view"},
		{Resource: "doc", Action: "create"},
		{Resource: "doc", Action: "edit"},
		{Resource: "doc", Action: "delete"},
		{Resource: "user", Action: "view"},
		{Resource: "user", Action: "create"},
		{Resource: "user", Action: "edit"},
		{Resource: "user", Action: "disable"},
		{Resource: "role", Action: "view"},
		{Resource: "role", Action: "assign"},
		{Resource: "role", Action: "grant"},
		{Resource: "session", Action: "manage"},
	}
}

// DefaultCatalog builds a catalog over DefaultCodes.
func DefaultCatalog() *Catalog {
	return NewCatalog(DefaultCodes()...)
}
