package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunUnknownCommand(t *testing.T) {
	var out, errBuf bytes.Buffer
	code := Run([]string{"settld", "frobnicate"}, &out, &errBuf)
	assert.Equal(t, 2, code)
	assert.Contains(t, errBuf.String(), "unknown command")
}

func TestRunHelp(t *testing.T) {
	var out, errBuf bytes.Buffer
	code := Run([]string{"settld", "help"}, &out, &errBuf)
	assert.Equal(t, 0, code)
	assert.Contains(t, out.String(), "verify")
	assert.Contains(t, out.String(), "conform")
}

func TestKeygenEmitsKeypair(t *testing.T) {
	var out, errBuf bytes.Buffer
	code := Run([]string{"settld", "keygen"}, &out, &errBuf)
	require.Equal(t, 0, code, errBuf.String())
	s := out.String()
	assert.Contains(t, s, "keyId: ")
	assert.Contains(t, s, "PUBLIC KEY")
	assert.Contains(t, s, "PRIVATE KEY")
}

func TestVerifyMissingFileIsUnusable(t *testing.T) {
	var out, errBuf bytes.Buffer
	code := Run([]string{"settld", "verify", "/nonexistent/artifact.json"}, &out, &errBuf)
	assert.Equal(t, 2, code)
}

func TestVerifyUsage(t *testing.T) {
	var out, errBuf bytes.Buffer
	code := Run([]string{"settld", "verify"}, &out, &errBuf)
	assert.Equal(t, 2, code)
	assert.True(t, strings.Contains(errBuf.String(), "usage:"))
}

func TestConformRequiresPack(t *testing.T) {
	var out, errBuf bytes.Buffer
	code := Run([]string{"settld", "conform"}, &out, &errBuf)
	assert.Equal(t, 2, code)
}
