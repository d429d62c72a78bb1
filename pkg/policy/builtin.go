package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedFDNPolicy(),
		emptyChangeSetPolicy(),
		changeSetSizePolicy(),
	}
}

// protectedFDNPolicy forbids deleting MOs under protected subtrees, such as
// the SystemFunctions branch of a ManagedElement.
func protectedFDNPolicy() Policy {
	return Policy{
		Name:        "protected-fdns",
		Description: "Forbids delete change-sets that touch protected MOs",
		Severity:    SeverityCritical,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety"},
		Rego: `package cmimport.policies.protected

deny contains violation if {
	input.changeset.operation == "delete"
	some fdn in input.changeset.fdns
	some pattern in data.settings.protected_patterns
	regex.match(pattern, fdn)
	violation := {
		"message": sprintf("delete of protected MO %s is not allowed", [fdn]),
		"fdn": fdn,
	}
}
`,
	}
}

// emptyChangeSetPolicy denies forward change-sets that carry no MOs. Undo
// change-sets are produced remotely and are exempt.
func emptyChangeSetPolicy() Policy {
	return Policy{
		Name:        "empty-changeset",
		Description: "Denies change-sets with no managed objects",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"sanity"},
		Rego: `package cmimport.policies.empty

deny contains violation if {
	not input.changeset.undo
	count(input.changeset.fdns) == 0
	violation := sprintf("change-set %s contains no managed objects", [input.changeset.job])
}
`,
	}
}

// changeSetSizePolicy warns about change-sets larger than the configured
// limit.
func changeSetSizePolicy() Policy {
	return Policy{
		Name:        "changeset-size",
		Description: "Warns when a change-set exceeds the configured MO count",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"capacity"},
		Rego: `package cmimport.policies.size

deny contains violation if {
	limit := data.settings.max_change_set_mos
	limit > 0
	input.context.mo_count > limit
	violation := {
		"message": sprintf("change-set %s has %d MOs, above the limit of %d", [input.changeset.job, input.context.mo_count, limit]),
		"severity": "warning",
	}
}
`,
	}
}
