package mcp

import (
	"context"
	"os"
	"testing"

	"github.com/jllopis/contractnet/pkg/core"
)

const mcpStdioHelperEnv = "CNET_MCP_STDIO_HELPER"

func TestHelperMCPStdioServer(t *testing.T) {
	if os.Getenv(mcpStdioHelperEnv) != "1" {
		return
	}
	if err := NewServer("contractnet-stdio", "test", nil, seededStore(t)).ServeStdio(); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

func TestClient_Stdio_ListRounds(t *testing.T) {
	t.Setenv(mcpStdioHelperEnv, "1")

	exe, err := os.Executable()
	if err != nil {
		t.Fatalf("os.Executable: %v", err)
	}

	client, err := NewClientWithStdio(exe, []string{"-test.run", "TestHelperMCPStdioServer"})
	if err != nil {
		t.Fatalf("NewClientWithStdio error: %v", err)
	}
	defer client.Close()

	rounds, err := client.ListRounds(context.Background(), core.StatusAcceptedCompleted, 10)
	if err != nil {
		t.Fatalf("ListRounds error: %v", err)
	}
	if len(rounds) != 1 || rounds[0].RoundID != "round-1" {
		t.Fatalf("Expected round-1, got %+v", rounds)
	}
}
