package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	expected := []string{
		"preprocess", "features", "cluster", "train", "predict",
		"run", "report", "fetch", "runs", "cells",
	}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "taxi-demand", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestStageCommands_ForceFlag(t *testing.T) {
	for _, c := range []string{"preprocess", "features", "cluster", "run"} {
		cmd, _, err := rootCmd.Find([]string{c})
		require.NoError(t, err)
		flag := cmd.Flags().Lookup("force")
		require.NotNil(t, flag, "%s should have --force", c)
		assert.Equal(t, "false", flag.DefValue)
	}
	assert.Nil(t, trainCmd.Flags().Lookup("force"))
}

func TestPredictCommand_Flags(t *testing.T) {
	for _, name := range []string{"cell", "hour", "limit", "json"} {
		assert.NotNil(t, predictCmd.Flags().Lookup(name), "predict should have --%s", name)
	}
	assert.Equal(t, "20", predictCmd.Flags().Lookup("limit").DefValue)
}

func TestRunsCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range runsCmd.Commands() {
		names[c.Name()] = true
	}
	for _, name := range []string{"list", "show", "stats"} {
		assert.True(t, names[name], "runs should have subcommand %q", name)
	}
}

func TestFetchCommand_Flags(t *testing.T) {
	flag := fetchCmd.Flags().Lookup("trips")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}
