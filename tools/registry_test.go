package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/chattyhq/chatty/llm"
)

type fakeTool struct {
	name   string
	invoke func(ctx context.Context, args json.RawMessage) (string, error)
}

func (f *fakeTool) Name() string                { return f.name }
func (f *fakeTool) Description() string         { return "fake" }
func (f *fakeTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f *fakeTool) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	return f.invoke(ctx, args)
}

func TestRegistryDispatch(t *testing.T) {
	r := NewRegistry(0, zap.NewNop())
	require.NoError(t, r.Register(&fakeTool{
		name: "echo",
		invoke: func(_ context.Context, args json.RawMessage) (string, error) {
			return string(args), nil
		},
	}))

	out, err := r.Dispatch(context.Background(), llm.ToolCall{
		ID: "call_1", Name: "echo", Arguments: json.RawMessage(`{"x":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, out)
}

func TestRegistryDispatchUnknownTool(t *testing.T) {
	r := NewRegistry(0, zap.NewNop())
	require.NoError(t, r.Register(&fakeTool{name: "echo"}))

	_, err := r.Dispatch(context.Background(), llm.ToolCall{Name: "frobnicate"})
	var terr *Error
	require.ErrorAs(t, err, &terr, "unknown tools must be recoverable")
	assert.Contains(t, terr.Error(), "frobnicate")
	assert.Contains(t, terr.Error(), "echo", "the error should list available tools")
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	r := NewRegistry(0, zap.NewNop())
	require.NoError(t, r.Register(&fakeTool{name: "echo"}))
	assert.Error(t, r.Register(&fakeTool{name: "echo"}))
}

func TestRegistryDispatchTimeout(t *testing.T) {
	r := NewRegistry(20*time.Millisecond, zap.NewNop())
	require.NoError(t, r.Register(&fakeTool{
		name: "slow",
		invoke: func(ctx context.Context, _ json.RawMessage) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}))

	_, err := r.Dispatch(context.Background(), llm.ToolCall{Name: "slow"})
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistryDispatchWrapsPlainErrors(t *testing.T) {
	r := NewRegistry(0, zap.NewNop())
	sentinel := errors.New("backend down")
	require.NoError(t, r.Register(&fakeTool{
		name:   "flaky",
		invoke: func(context.Context, json.RawMessage) (string, error) { return "", sentinel },
	}))

	_, err := r.Dispatch(context.Background(), llm.ToolCall{Name: "flaky"})
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "flaky", terr.Tool)
	assert.ErrorIs(t, err, sentinel)
}

func TestRegistrySchemasStableOrder(t *testing.T) {
	r := NewRegistry(0, zap.NewNop())
	require.NoError(t, r.Register(&fakeTool{name: "zeta"}))
	require.NoError(t, r.Register(&fakeTool{name: "alpha"}))

	schemas := r.Schemas()
	require.Len(t, schemas, 2)
	assert.Equal(t, "alpha", schemas[0].Name)
	assert.Equal(t, "zeta", schemas[1].Name)
}

func TestDispatchEmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	r := NewRegistry(0, zap.NewNop())
	require.NoError(t, r.Register(&fakeTool{
		name: "echo",
		invoke: func(_ context.Context, args json.RawMessage) (string, error) {
			return string(args), nil
		},
	}))
	_, err := r.Dispatch(context.Background(), llm.ToolCall{
		ID: "call_1", Name: "echo", Arguments: json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "tool.dispatch", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("tool.name", "echo"))
}

func TestLookupInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/resume.txt":
			fmt.Fprint(w, "Ten years of woodworking.\n")
		case "/blog":
			fmt.Fprint(w, `<html><head><title>Ava's Workshop</title>`+
				`<meta name="description" content="Notes on joinery."></head><body>x</body></html>`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	l := NewLookup([]KnowledgeSource{
		{Name: "resume", URL: srv.URL + "/resume.txt", Processor: ProcessorText},
		{Name: "blog", URL: srv.URL + "/blog", Processor: ProcessorHTMLHead},
	}, srv.Client(), 0, zap.NewNop())

	t.Run("text source", func(t *testing.T) {
		out, err := l.Invoke(context.Background(), json.RawMessage(`{"source":"resume"}`))
		require.NoError(t, err)
		assert.Equal(t, "Ten years of woodworking.", out)
	})

	t.Run("html head source", func(t *testing.T) {
		out, err := l.Invoke(context.Background(), json.RawMessage(`{"source":"blog"}`))
		require.NoError(t, err)
		assert.Contains(t, out, "Title: Ava's Workshop")
		assert.Contains(t, out, "Description: Notes on joinery.")
	})

	t.Run("unknown source is instructive", func(t *testing.T) {
		_, err := l.Invoke(context.Background(), json.RawMessage(`{"source":"diary"}`))
		var terr *Error
		require.ErrorAs(t, err, &terr)
		assert.Contains(t, terr.Error(), "diary")
		assert.Contains(t, terr.Error(), "resume")
		assert.Contains(t, terr.Error(), "blog")
	})

	t.Run("upstream failure is recoverable", func(t *testing.T) {
		bad := NewLookup([]KnowledgeSource{
			{Name: "gone", URL: srv.URL + "/missing", Processor: ProcessorText},
		}, srv.Client(), 0, zap.NewNop())
		_, err := bad.Invoke(context.Background(), json.RawMessage(`{"source":"gone"}`))
		var terr *Error
		require.ErrorAs(t, err, &terr)
	})
}

func TestLookupInlineContent(t *testing.T) {
	l := NewLookup([]KnowledgeSource{
		{Name: "bio", Content: "Ava has built furniture since 2015."},
	}, nil, 0, zap.NewNop())

	out, err := l.Invoke(context.Background(), json.RawMessage(`{"source":"bio"}`))
	require.NoError(t, err)
	assert.Equal(t, "Ava has built furniture since 2015.", out)
}

func TestLookupTruncatesContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 100; i++ {
			fmt.Fprint(w, "0123456789")
		}
	}))
	defer srv.Close()

	l := NewLookup([]KnowledgeSource{
		{Name: "long", URL: srv.URL, Processor: ProcessorText},
	}, srv.Client(), 64, zap.NewNop())

	out, err := l.Invoke(context.Background(), json.RawMessage(`{"source":"long"}`))
	require.NoError(t, err)
	assert.Len(t, out, 64)
}

func TestLookupSchemaEnumeratesSources(t *testing.T) {
	l := NewLookup([]KnowledgeSource{
		{Name: "resume", Description: "work history"},
		{Name: "blog", Description: "personal writing"},
	}, nil, 0, zap.NewNop())

	var schema struct {
		Properties struct {
			Source struct {
				Enum        []string `json:"enum"`
				Description string   `json:"description"`
			} `json:"source"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	require.NoError(t, json.Unmarshal(l.Parameters(), &schema))
	assert.Equal(t, []string{"blog", "resume"}, schema.Properties.Source.Enum)
	assert.Contains(t, schema.Properties.Source.Description, "work history")
	assert.Equal(t, []string{"source"}, schema.Required)
}
