//go:build tools

// Package tools tracks development tool dependencies in go.mod.
// Install tools with: go install -tags tools ./...
package tools

import (
	// Linting
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"

	// Code generation
	_ "github.com/golang/mock/mockgen"

	// Testing tools
	_ "gotest.tools/gotestsum"

	// Security scanning
	_ "github.com/securego/gosec/v2/cmd/gosec"
)
