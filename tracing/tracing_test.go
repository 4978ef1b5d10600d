package tracing

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
)

func TestSpansBeforeInitAreNoops(t *testing.T) {
	span := StartSpan("noop", WithAttribute("k", "v"))
	span.SetStatus(nil)
	span.End()
}

func TestInitWithExporterRecordsSpans(t *testing.T) {
	var buf bytes.Buffer
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(&buf))
	require.NoError(t, err)
	require.NoError(t, InitWithExporter("sessions-test", "0.0.1", exporter))

	span := StartSpan("session.action", WithAttribute("command", "/bin/echo"))
	span.SetStatus(fmt.Errorf("boom"))
	span.End()

	out := buf.String()
	assert.Contains(t, out, "session.action")
	assert.Contains(t, out, "/bin/echo")
	assert.Contains(t, out, "boom")
}
