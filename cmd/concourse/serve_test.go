package main

import (
	"strings"
	"testing"
)

func TestNewServeCmd(t *testing.T) {
	cmd := newServeCmd()
	if cmd.Use != "serve" {
		t.Errorf("Use = %q, want %q", cmd.Use, "serve")
	}
	flag := cmd.Flags().Lookup("config")
	if flag == nil {
		t.Fatal("expected --config flag")
	}
	if flag.DefValue != defaultConfigPath {
		t.Errorf("--config default = %q, want %q", flag.DefValue, defaultConfigPath)
	}
}

func TestServeCmd_Help(t *testing.T) {
	out, err := runCmd(t, nil, "serve", "--help")
	if err != nil {
		t.Fatalf("serve --help failed: %v", err)
	}
	for _, want := range []string{"orchestrator engine", "--config"} {
		if !strings.Contains(out, want) {
			t.Errorf("help missing %q:\n%s", want, out)
		}
	}
}

func TestServeCmd_MissingConfig(t *testing.T) {
	_, err := runCmd(t, nil, "serve", "--config", "/nonexistent/concourse.yaml")
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("error = %q", err.Error())
	}
}
