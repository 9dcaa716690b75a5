package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	expected := []string{"migrate", "pipeline", "export", "submit", "jobs", "runs", "addresses", "serve"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "stormlead", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestPipelineCommand_HasSubcommands(t *testing.T) {
	cmds := pipelineCmd.Commands()
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	for _, name := range []string{"run", "reset", "status"} {
		assert.True(t, names[name], "pipeline should have subcommand %q", name)
	}
}

func TestPipelineRunCommand_Flags(t *testing.T) {
	for _, flagName := range []string{
		"regions", "start", "end", "dataset", "chunk-days", "parallelism",
		"force", "hail-eps", "hail-min-samples", "addr-buffer", "addr-eps",
		"addr-min-samples", "with-export", "submit",
	} {
		flag := pipelineRunCmd.Flags().Lookup(flagName)
		assert.NotNil(t, flag, "pipeline run should have --%s flag", flagName)
	}

	flag := pipelineRunCmd.Flags().Lookup("chunk-days")
	require.NotNil(t, flag)
	assert.Equal(t, "45", flag.DefValue)
}

func TestPipelineResetCommand_Flags(t *testing.T) {
	for _, flagName := range []string{"region", "start", "end", "dataset", "force", "yes", "files"} {
		flag := pipelineResetCmd.Flags().Lookup(flagName)
		assert.NotNil(t, flag, "pipeline reset should have --%s flag", flagName)
	}
}

func TestPipelineStatusCommand_Flags(t *testing.T) {
	flag := pipelineStatusCmd.Flags().Lookup("limit")
	require.NotNil(t, flag, "pipeline status should have --limit flag")
	assert.Equal(t, "50", flag.DefValue)
}

func TestExportCommand_Flags(t *testing.T) {
	for _, flagName := range []string{"region", "center", "radius-km", "dist-m", "target", "include-multi", "source", "out"} {
		flag := exportCmd.Flags().Lookup(flagName)
		assert.NotNil(t, flag, "export should have --%s flag", flagName)
	}

	flag := exportCmd.Flags().Lookup("target")
	require.NotNil(t, flag)
	assert.Equal(t, "1000", flag.DefValue)
}

func TestSubmitCommand_Flags(t *testing.T) {
	for _, flagName := range []string{"run", "out", "region", "webhook", "list-name"} {
		flag := submitCmd.Flags().Lookup(flagName)
		assert.NotNil(t, flag, "submit should have --%s flag", flagName)
	}
}

func TestJobsCommand_HasSubcommands(t *testing.T) {
	cmds := jobsCmd.Commands()
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}
	assert.True(t, names["poll"], "jobs should have subcommand poll")
}

func TestJobsPollCommand_Flags(t *testing.T) {
	for _, flagName := range []string{"run", "job", "download", "await", "interval", "timeout"} {
		flag := jobsPollCmd.Flags().Lookup(flagName)
		assert.NotNil(t, flag, "jobs poll should have --%s flag", flagName)
	}

	flag := jobsPollCmd.Flags().Lookup("interval")
	require.NotNil(t, flag)
	assert.Equal(t, "5s", flag.DefValue)
}

func TestRunsCommand_HasSubcommands(t *testing.T) {
	cmds := runsCmd.Commands()
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	for _, name := range []string{"list", "show"} {
		assert.True(t, names[name], "runs should have subcommand %q", name)
	}
}

func TestAddressesCommand_HasSubcommands(t *testing.T) {
	cmds := addressesCmd.Commands()
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}
	assert.True(t, names["load"], "addresses should have subcommand load")

	for _, flagName := range []string{"region", "force"} {
		flag := addressesLoadCmd.Flags().Lookup(flagName)
		assert.NotNil(t, flag, "addresses load should have --%s flag", flagName)
	}
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("addr")
	require.NotNil(t, flag, "serve should have --addr flag")
}
