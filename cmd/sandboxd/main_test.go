package main

import (
	"reflect"
	"testing"
)

func TestParseTemplateVars(t *testing.T) {
	vars, err := parseTemplateVars([]string{"FOO=bar", "HELLO=world=again"})
	if err != nil {
		t.Fatalf("parseTemplateVars returned error: %v", err)
	}
	expected := map[string]string{"FOO": "bar", "HELLO": "world=again"}
	if !reflect.DeepEqual(vars, expected) {
		t.Fatalf("expected %v, got %v", expected, vars)
	}
}

func TestParseTemplateVarsErrors(t *testing.T) {
	if _, err := parseTemplateVars([]string{"broken"}); err == nil {
		t.Fatal("expected error for missing equals sign")
	}
	if _, err := parseTemplateVars([]string{" =value"}); err == nil {
		t.Fatal("expected error for empty key")
	}
	if _, err := parseTemplateVars([]string{"user=root"}); err == nil {
		t.Fatal("expected error for reserved user var")
	}
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "ensure", "status", "stop", "tree", "exec", "shell"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == root {
			t.Fatalf("subcommand %q not registered", name)
		}
	}
}
