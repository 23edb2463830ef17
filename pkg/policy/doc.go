// Package policy checks a resolved envgraph configuration against Open
// Policy Agent (OPA) policies written in Rego.
//
// Policies see the resolved snapshot as input:
//
//	{
//	  "environment": "production",
//	  "config": {
//	    "DB_URL":   {"value": "postgres://db/app", "isSensitive": false, "hasValue": true, "length": 17},
//	    "PASSWORD": {"value": null, "isSensitive": true, "hasValue": true, "length": 12}
//	  },
//	  "sources":  [{"label": ".env.schema.yaml", "enabled": true}],
//	  "settings": {"redactLogs": true, "preventLeaks": true}
//	}
//
// Sensitive values are never part of the input.
//
// Every policy defines a deny set in its package. Entries are either a
// message or an object with message, severity and key fields:
//
//	package envgraph.policies.ports
//
//	deny contains violation if {
//		some key, item in input.config
//		endswith(key, "_PORT")
//		item.value < 1024
//		violation := {"message": sprintf("%s uses a privileged port", [key]), "key": key}
//	}
//
// A violation without a severity takes the policy's severity. Any
// error-severity violation makes the result not allowed.
//
// # Files
//
// The Loader reads .rego files, whose leading comments give the
// description and optional "severity:" and "tags:" directives, and .json
// definitions with the fields of Policy. Loader.Watch reloads them when
// they change.
package policy
