package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

func builtinResolvers() []*ResolverFunc {
	positional := func(min, max int) ArgShape {
		return ArgShape{Mode: ArgsPositional, MinArgs: min, MaxArgs: max}
	}
	return []*ResolverFunc{
		{Name: "ref", Description: "Value of another item", Shape: positional(1, 1), kind: ResolverRef},
		{Name: "concat", Description: "Join values as strings", Shape: positional(2, -1), InferredType: "string", kind: ResolverConcat},
		{Name: "fallback", Description: "First non-empty value", Shape: positional(2, -1), kind: ResolverFallback},
		{Name: "exec", Description: "Output of a shell command", Shape: positional(1, 1), InferredType: "string", kind: ResolverExec},
		{
			Name:        "remap",
			Description: "Map a value onto case names",
			Shape:       ArgShape{Mode: ArgsMixed, MinArgs: 1, MaxArgs: 1, MinKwArgs: 1, MaxKwArgs: -1},
			kind:        ResolverRemap,
		},
		{Name: "regex", Description: "Regular expression for remap matching", Shape: positional(1, 1), kind: ResolverRegex},
		{Name: "forEnv", Description: "True in the named environments", Shape: positional(1, -1), InferredType: "boolean", kind: ResolverForEnv},
		{Name: "eq", Description: "Strict equality", Shape: positional(2, 2), InferredType: "boolean", kind: ResolverEq},
		{Name: "if", Description: "Conditional value", Shape: positional(1, 3), kind: ResolverIf},
		{Name: "not", Description: "Boolean negation", Shape: positional(1, 1), InferredType: "boolean", kind: ResolverNot},
		{Name: "isEmpty", Description: "True when undefined or empty", Shape: positional(1, 1), InferredType: "boolean", kind: ResolverIsEmpty},
	}
}

// processKind runs the node-specific schema checks.
func (r *Resolver) processKind(sc *scope, deps map[string]bool) []error {
	switch r.Kind {
	case ResolverRef:
		if len(r.Args) != 1 {
			return nil
		}
		key, ok := r.Args[0].StaticString()
		if !ok || key == "" {
			return []error{schemaErrorf("ref(): item key must be a static string")}
		}
		if sc.g.item(key) == nil {
			return []error{schemaErrorf("ref(): unknown item %q", key)}
		}
		deps[key] = true

	case ResolverRegex:
		if len(r.Args) != 1 {
			return nil
		}
		pattern, ok := r.Args[0].StaticString()
		if !ok {
			return []error{schemaErrorf("regex(): pattern must be a static string")}
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return []error{NewSchemaError("regex(): invalid pattern", err)}
		}
		r.regex = re

	case ResolverForEnv:
		if sc.g.opts.CurrentEnv != "" {
			return nil
		}
		key := sc.envFlagKey()
		if key == "" {
			return []error{schemaErrorf("forEnv(): no environment flag is configured, set @currentEnv in the root schema")}
		}
		if sc.g.item(key) != nil {
			deps[key] = true
		}

	case ResolverExtern:
		if r.fn.Process == nil {
			return nil
		}
		state, err := r.fn.Process(r.Args, r.KwArgs)
		if err != nil {
			return []error{NewSchemaError(fmt.Sprintf("%s()", r.Name), err)}
		}
		r.externState = state
	}
	return nil
}

func (r *Resolver) resolveKind(ctx context.Context, sc *scope) (interface{}, error) {
	switch r.Kind {
	case ResolverStatic:
		return r.Value, nil

	case ResolverRef:
		key, _ := r.Args[0].StaticString()
		return sc.refValue(key)

	case ResolverConcat:
		vals, err := r.resolveArgs(ctx, sc)
		if err != nil {
			return nil, err
		}
		var sb strings.Builder
		for _, v := range vals {
			sb.WriteString(valueString(v))
		}
		return sb.String(), nil

	case ResolverFallback:
		for _, a := range r.Args {
			v, err := a.Resolve(ctx, sc)
			if err != nil {
				return nil, err
			}
			if !isEmpty(v) {
				return v, nil
			}
		}
		return nil, nil

	case ResolverExec:
		v, err := r.Args[0].Resolve(ctx, sc)
		if err != nil {
			return nil, err
		}
		command := valueString(v)
		if strings.TrimSpace(command) == "" {
			return nil, resolutionErrorf("exec(): command is empty")
		}
		out, err := sc.g.exec.Run(ctx, command, sc.dir(), sc.g.environ())
		if err != nil {
			return nil, NewResolutionError("exec(): command failed", err)
		}
		return out, nil

	case ResolverRemap:
		return r.resolveRemap(ctx, sc)

	case ResolverRegex:
		return r.regex, nil

	case ResolverForEnv:
		env, err := sc.currentEnv(ctx)
		if err != nil {
			return nil, err
		}
		names, err := r.resolveArgs(ctx, sc)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			if valueString(n) == env {
				return true, nil
			}
		}
		return false, nil

	case ResolverEq:
		vals, err := r.resolveArgs(ctx, sc)
		if err != nil {
			return nil, err
		}
		return strictEqual(vals[0], vals[1]), nil

	case ResolverIf:
		cond, err := r.Args[0].Resolve(ctx, sc)
		if err != nil {
			return nil, err
		}
		switch {
		case len(r.Args) == 1:
			return truthy(cond), nil
		case truthy(cond):
			return r.Args[1].Resolve(ctx, sc)
		case len(r.Args) == 3:
			return r.Args[2].Resolve(ctx, sc)
		}
		return nil, nil

	case ResolverNot:
		v, err := r.Args[0].Resolve(ctx, sc)
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil

	case ResolverIsEmpty:
		v, err := r.Args[0].Resolve(ctx, sc)
		if err != nil {
			return nil, err
		}
		return isEmpty(v), nil

	case ResolverExtern:
		args, err := r.resolveArgs(ctx, sc)
		if err != nil {
			return nil, err
		}
		kw, err := r.resolveKwArgs(ctx, sc)
		if err != nil {
			return nil, err
		}
		v, err := r.fn.Resolve(ctx, r.externState, args, kw)
		if err != nil {
			return nil, NewResolutionError(fmt.Sprintf("%s()", r.Name), err)
		}
		return normalizeValue(v)

	case ResolverError:
		return nil, r.Err
	}
	return nil, nil
}

func (r *Resolver) resolveRemap(ctx context.Context, sc *scope) (interface{}, error) {
	subject, err := r.Args[0].Resolve(ctx, sc)
	if err != nil {
		return nil, err
	}
	for _, c := range r.KwArgs {
		match, err := c.Resolver.Resolve(ctx, sc)
		if err != nil {
			return nil, err
		}
		switch m := match.(type) {
		case *regexp.Regexp:
			if subject != nil && m.MatchString(valueString(subject)) {
				return c.Name, nil
			}
		case nil:
			if subject == nil {
				return c.Name, nil
			}
		default:
			if strictEqual(m, subject) {
				return c.Name, nil
			}
		}
	}
	return subject, nil
}
