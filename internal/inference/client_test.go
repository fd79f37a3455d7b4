package inference

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func stubOllama(t *testing.T, response string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"model":"test","response":` + quoteJSON(response) +
				`,"done":true,"eval_count":20,"eval_duration":2000000000}`))
		case "/api/tags":
			w.Write([]byte(`{"models":[{"name":"qwen2.5:7b"},{"name":"llama3:8b"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func quoteJSON(s string) string {
	out := make([]byte, 0, len(s)+2)
	out = append(out, '"')
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			out = append(out, '\\', '"')
		case '\\':
			out = append(out, '\\', '\\')
		case '\n':
			out = append(out, '\\', 'n')
		default:
			out = append(out, s[i])
		}
	}
	return string(append(out, '"'))
}

func stubClient(t *testing.T, response string) *Client {
	srv := stubOllama(t, response)
	cfg := DefaultConfig()
	cfg.OllamaURL = srv.URL
	cfg.Timeout = 5 * time.Second
	return NewClient(cfg)
}

func TestGenerateSync(t *testing.T) {
	client := stubClient(t, "hello there")

	res, err := client.GenerateSync(context.Background(), "say hi")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Response != "hello there" {
		t.Errorf("response = %q", res.Response)
	}
	// 20 tokens over 2 seconds
	if res.TokensPerSec != 10 {
		t.Errorf("tokens/sec = %v", res.TokensPerSec)
	}
	if res.Latency <= 0 {
		t.Errorf("latency = %v", res.Latency)
	}
}

func TestGenerateSyncServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)
	cfg := DefaultConfig()
	cfg.OllamaURL = srv.URL
	client := NewClient(cfg)

	if _, err := client.GenerateSync(context.Background(), "hi"); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestListModels(t *testing.T) {
	client := stubClient(t, "")

	names, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(names) != 2 || names[0] != "qwen2.5:7b" {
		t.Errorf("models = %v", names)
	}
}

func TestCleanJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"commentary", `Sure, here you go: {"a":1} hope that helps`, `{"a":1}`},
		{"array", `The result is [1,2,3] as requested`, `[1,2,3]`},
		{"nothing", "no structure here", "no structure here"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := CleanJSON(c.in); got != c.want {
				t.Errorf("CleanJSON(%q) = %q, want %q", c.in, got, c.want)
			}
		})
	}
}
