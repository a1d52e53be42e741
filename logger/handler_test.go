package logger

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerAddsContextFields(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithRunID(t.Context(), "run-42")
	ctx = WithStep(ctx, "commit")
	log.InfoContext(ctx, "hello")

	out := buf.String()
	require.Contains(t, out, "runId=run-42")
	require.Contains(t, out, "step=commit")
}

func TestHandlerWithoutContextFields(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewHandler(slog.NewTextHandler(&buf, nil)))

	log.InfoContext(t.Context(), "hello")

	out := buf.String()
	require.Contains(t, out, "hello")
	require.NotContains(t, out, "runId")
	require.NotContains(t, out, "step=")
}
