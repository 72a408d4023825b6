package server

import (
	"bufio"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhengjr9/deepseek-ocr-server/internal/config"
	"github.com/zhengjr9/deepseek-ocr-server/internal/engine"
	"github.com/zhengjr9/deepseek-ocr-server/internal/model"
)

// fakeTokenizer works byte-for-byte so decoded output is predictable.
type fakeTokenizer struct{}

func (fakeTokenizer) Encode(text string, _ bool) []uint32 {
	ids := make([]uint32, len(text))
	for i := range text {
		ids[i] = uint32(text[i])
	}
	return ids
}

func (fakeTokenizer) Decode(ids []uint32, _ bool) string {
	out := make([]byte, len(ids))
	for i, id := range ids {
		out[i] = byte(id)
	}
	return string(out)
}

// fakeModel emits a fixed byte sequence as its generation.
type fakeModel struct {
	output string
}

func (m *fakeModel) ComputeImageEmbeddings(images []image.Image) ([]model.Embedding, error) {
	embs := make([]model.Embedding, len(images))
	for i := range embs {
		embs[i] = model.Embedding{Data: make([]float32, 8), Tokens: 2, Hidden: 4}
	}
	return embs, nil
}

func (m *fakeModel) Generate(_ []int64, opts model.GenerateOptions) ([]int64, error) {
	ids := make([]int64, len(m.output))
	for i := range m.output {
		ids[i] = int64(m.output[i])
		if opts.Progress != nil {
			opts.Progress(i+1, ids[:i+1])
		}
	}
	return ids, nil
}

func (m *fakeModel) EOSTokenID() int64   { return 100001 }
func (m *fakeModel) ImageTokenID() int64 { return 100015 }
func (m *fakeModel) Close() error        { return nil }

func newTestServer(t *testing.T, output string) *httptest.Server {
	t.Helper()
	cfg := &config.Config{
		ModelID:      "deepseek-ocr",
		MaxNewTokens: 512,
		FetchTimeout: 5 * time.Second,
		MaxBodyBytes: 1 << 20,
	}
	eng := engine.New(&fakeModel{output: output}, fakeTokenizer{}, cfg.MaxNewTokens)
	srv := New(cfg, eng, fakeTokenizer{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]any
	require.NoError(t, jsoniter.NewDecoder(resp.Body).Decode(&m))
	return m
}

// readSSE collects the data payloads of an SSE response, including [DONE].
func readSSE(t *testing.T, resp *http.Response) []string {
	t.Helper()
	defer resp.Body.Close()
	var payloads []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if rest, ok := strings.CutPrefix(line, "data: "); ok {
			payloads = append(payloads, rest)
		}
	}
	require.NoError(t, scanner.Err())
	return payloads
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, "x")
	resp, err := http.Get(ts.URL + "/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestModels(t *testing.T) {
	ts := newTestServer(t, "x")
	resp, err := http.Get(ts.URL + "/v1/models")
	require.NoError(t, err)
	m := decodeBody(t, resp)
	assert.Equal(t, "list", m["object"])
	entry := m["data"].([]any)[0].(map[string]any)
	assert.Equal(t, "deepseek-ocr", entry["id"])
	assert.Equal(t, "deepseek", entry["owned_by"])
}

func TestChatCompletionNonStreaming(t *testing.T) {
	ts := newTestServer(t, "Hello!")
	resp := postJSON(t, ts.URL+"/v1/chat/completions",
		`{"model":"deepseek-ocr","messages":[{"role":"user","content":"Hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	m := decodeBody(t, resp)
	assert.Equal(t, "chat.completion", m["object"])
	assert.True(t, strings.HasPrefix(m["id"].(string), "chatcmpl-"))

	choice := m["choices"].([]any)[0].(map[string]any)
	assert.Equal(t, "stop", choice["finish_reason"])
	message := choice["message"].(map[string]any)
	assert.Equal(t, "assistant", message["role"])
	assert.Equal(t, "Hello!", message["content"])

	usage := m["usage"].(map[string]any)
	assert.Equal(t, float64(6), usage["completion_tokens"])
	assert.Equal(t, usage["prompt_tokens"].(float64)+6, usage["total_tokens"])
}

func TestChatCompletionRejectsUnknownModel(t *testing.T) {
	ts := newTestServer(t, "x")
	resp := postJSON(t, ts.URL+"/v1/chat/completions",
		`{"model":"gpt-4","messages":[{"role":"user","content":"Hi"}]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	m := decodeBody(t, resp)
	errObj := m["error"].(map[string]any)
	assert.Equal(t, "invalid_request_error", errObj["type"])
	assert.Contains(t, errObj["message"], "gpt-4")
}

func TestChatCompletionRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t, "x")
	resp := postJSON(t, ts.URL+"/v1/chat/completions", `{"messages": [`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatCompletionRequiresUserMessage(t *testing.T) {
	ts := newTestServer(t, "x")
	resp := postJSON(t, ts.URL+"/v1/chat/completions",
		`{"messages":[{"role":"system","content":"be nice"}]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	m := decodeBody(t, resp)
	assert.Equal(t, "invalid_request_error", m["error"].(map[string]any)["type"])
}

func TestChatCompletionStreaming(t *testing.T) {
	ts := newTestServer(t, "Hi!")
	resp := postJSON(t, ts.URL+"/v1/chat/completions",
		`{"messages":[{"role":"user","content":"read this"}],"stream":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	payloads := readSSE(t, resp)
	require.NotEmpty(t, payloads)
	require.Equal(t, "[DONE]", payloads[len(payloads)-1])

	var content strings.Builder
	roles := 0
	var finish string
	var usage map[string]any
	for _, payload := range payloads[:len(payloads)-1] {
		var chunk map[string]any
		require.NoError(t, jsoniter.UnmarshalFromString(payload, &chunk))
		assert.Equal(t, "chat.completion.chunk", chunk["object"])
		choice := chunk["choices"].([]any)[0].(map[string]any)
		delta := choice["delta"].(map[string]any)
		if _, ok := delta["role"]; ok {
			roles++
		}
		if text, ok := delta["content"].(string); ok {
			content.WriteString(text)
		}
		if fr, ok := choice["finish_reason"].(string); ok {
			finish = fr
		}
		if u, ok := chunk["usage"].(map[string]any); ok {
			usage = u
		}
	}

	assert.Equal(t, 1, roles)
	assert.Equal(t, "Hi!", content.String())
	assert.Equal(t, "stop", finish)
	require.NotNil(t, usage)
	assert.Equal(t, float64(3), usage["completion_tokens"])
}

func TestResponsesNonStreaming(t *testing.T) {
	ts := newTestServer(t, "Parsed.")
	resp := postJSON(t, ts.URL+"/v1/responses",
		`{"model":"deepseek-ocr","input":[{"role":"user","content":"Hi"}],"max_output_tokens":16}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	m := decodeBody(t, resp)
	assert.Equal(t, "response", m["object"])
	assert.True(t, strings.HasPrefix(m["id"].(string), "resp-"))

	output := m["output"].([]any)[0].(map[string]any)
	assert.Equal(t, "message", output["type"])
	assert.True(t, strings.HasPrefix(output["id"].(string), "msg-"))
	content := output["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "output_text", content["type"])
	assert.Equal(t, "Parsed.", content["text"])

	usage := m["usage"].(map[string]any)
	assert.Equal(t, float64(7), usage["output_tokens"])
}

func TestResponsesStreaming(t *testing.T) {
	ts := newTestServer(t, "ok")
	resp := postJSON(t, ts.URL+"/v1/responses",
		`{"input":[{"role":"user","content":"Hi"}],"stream":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payloads := readSSE(t, resp)
	require.GreaterOrEqual(t, len(payloads), 3)
	require.Equal(t, "[DONE]", payloads[len(payloads)-1])

	var first map[string]any
	require.NoError(t, jsoniter.UnmarshalFromString(payloads[0], &first))
	assert.Equal(t, "response.created", first["type"])

	var deltas strings.Builder
	var completed map[string]any
	for _, payload := range payloads[1 : len(payloads)-1] {
		var event map[string]any
		require.NoError(t, jsoniter.UnmarshalFromString(payload, &event))
		switch event["type"] {
		case "response.output_text.delta":
			deltas.WriteString(event["delta"].(string))
		case "response.completed":
			completed = event
		}
	}

	assert.Equal(t, "ok", deltas.String())
	require.NotNil(t, completed)
	full := completed["response"].(map[string]any)
	content := full["output"].([]any)[0].(map[string]any)["content"].([]any)[0].(map[string]any)
	assert.Equal(t, "ok", content["text"])
}

// panickingModel blows up mid-generation, like a bad output type from the
// runtime would.
type panickingModel struct {
	fakeModel
}

func (m *panickingModel) Generate([]int64, model.GenerateOptions) ([]int64, error) {
	panic("interface conversion: ort.Value is *ort.Tensor[int64], not *ort.Tensor[float32]")
}

func TestChatStreamingSurvivesWorkerPanic(t *testing.T) {
	cfg := &config.Config{
		ModelID:      "deepseek-ocr",
		MaxNewTokens: 512,
		FetchTimeout: 5 * time.Second,
		MaxBodyBytes: 1 << 20,
	}
	eng := engine.New(&panickingModel{}, fakeTokenizer{}, cfg.MaxNewTokens)
	srv := New(cfg, eng, fakeTokenizer{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp := postJSON(t, ts.URL+"/v1/chat/completions",
		`{"messages":[{"role":"user","content":"Hi"}],"stream":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payloads := readSSE(t, resp)
	require.GreaterOrEqual(t, len(payloads), 2)
	require.Equal(t, "[DONE]", payloads[len(payloads)-1])

	var chunk map[string]any
	require.NoError(t, jsoniter.UnmarshalFromString(payloads[len(payloads)-2], &chunk))
	choice := chunk["choices"].([]any)[0].(map[string]any)
	assert.Equal(t, "error", choice["finish_reason"])
	assert.Equal(t, "internal server error", chunk["error"].(map[string]any)["message"])
}

func TestResponsesStreamingSurvivesWorkerPanic(t *testing.T) {
	cfg := &config.Config{
		ModelID:      "deepseek-ocr",
		MaxNewTokens: 512,
		FetchTimeout: 5 * time.Second,
		MaxBodyBytes: 1 << 20,
	}
	eng := engine.New(&panickingModel{}, fakeTokenizer{}, cfg.MaxNewTokens)
	srv := New(cfg, eng, fakeTokenizer{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp := postJSON(t, ts.URL+"/v1/responses",
		`{"input":[{"role":"user","content":"Hi"}],"stream":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payloads := readSSE(t, resp)
	require.GreaterOrEqual(t, len(payloads), 2)
	require.Equal(t, "[DONE]", payloads[len(payloads)-1])

	var event map[string]any
	require.NoError(t, jsoniter.UnmarshalFromString(payloads[len(payloads)-2], &event))
	assert.Equal(t, "response.error", event["type"])
	assert.Equal(t, "internal server error", event["error"].(map[string]any)["message"])
}
