package policy

// BuiltinPolicies returns the policies compiled into envgraph.
func BuiltinPolicies() []Policy {
	return []Policy{
		redactionPolicy(),
		undeclaredSecretsPolicy(),
		urlCredentialsPolicy(),
		secretStrengthPolicy(),
	}
}

// redactionPolicy checks the redactLogs and preventLeaks settings.
func redactionPolicy() Policy {
	return Policy{
		Name:        "redaction",
		Description: "Sensitive values must stay redacted, and leak prevention must be on in production",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"secrets", "settings"},
		Source:      SourceBuiltin,
		Rego: `package envgraph.policies.redaction

production_envs := {"production", "prod"}

deny contains violation if {
	not input.settings.redactLogs
	violation := {
		"message": "redactLogs is disabled, sensitive values may be written to logs",
		"severity": "warning",
	}
}

deny contains violation if {
	not input.settings.preventLeaks
	input.environment in production_envs
	violation := {
		"message": sprintf("preventLeaks must be enabled in %s", [input.environment]),
		"severity": "error",
	}
}
`,
	}
}

// undeclaredSecretsPolicy flags items that look like secrets but are not
// marked sensitive.
func undeclaredSecretsPolicy() Policy {
	return Policy{
		Name:        "undeclared-secrets",
		Description: "Items named like secrets must be marked sensitive",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"secrets"},
		Source:      SourceBuiltin,
		Rego: `package envgraph.policies.secrets.undeclared

secret_pattern := "(?i)(SECRET|PASSWORD|PASSWD|TOKEN|API_?KEY|PRIVATE_?KEY)"

deny contains violation if {
	some key, item in input.config
	not item.isSensitive
	item.hasValue
	regex.match(secret_pattern, key)
	violation := {
		"message": sprintf("%s looks like a secret but is not marked sensitive", [key]),
		"severity": "warning",
		"key": key,
	}
}
`,
	}
}

// urlCredentialsPolicy rejects non-sensitive URLs that embed a password.
func urlCredentialsPolicy() Policy {
	return Policy{
		Name:        "url-credentials",
		Description: "URLs with embedded credentials must be marked sensitive",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"secrets", "urls"},
		Source:      SourceBuiltin,
		Rego: `package envgraph.policies.secrets.urls

deny contains violation if {
	some key, item in input.config
	not item.isSensitive
	is_string(item.value)
	regex.match("^[a-zA-Z][a-zA-Z0-9+.-]*://[^/:@ ]+:[^/@ ]+@", item.value)
	violation := {
		"message": sprintf("%s embeds credentials in a URL but is not marked sensitive", [key]),
		"key": key,
	}
}
`,
	}
}

// secretStrengthPolicy warns about short sensitive values.
func secretStrengthPolicy() Policy {
	return Policy{
		Name:        "secret-strength",
		Description: "Sensitive values should be at least 8 characters long",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"secrets"},
		Source:      SourceBuiltin,
		Rego: `package envgraph.policies.secrets.strength

min_length := 8

deny contains violation if {
	some key, item in input.config
	item.isSensitive
	item.hasValue
	item.length > 0
	item.length < min_length
	violation := {
		"message": sprintf("%s is shorter than %d characters", [key, min_length]),
		"key": key,
	}
}
`,
	}
}
