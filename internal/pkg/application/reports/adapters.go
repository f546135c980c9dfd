package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// httpRenderer posts the bundle to an external rendering service and
// returns the document bytes.
type httpRenderer struct {
	baseURL string
	client  *http.Client
}

func NewHTTPRenderer(baseURL string) Renderer {
	return &httpRenderer{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

var contentTypes = map[string]string{
	"pdf":  "application/pdf",
	"csv":  "text/csv",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

func (r *httpRenderer) Render(ctx context.Context, format string, bundle any) ([]byte, string, error) {
	contentType, ok := contentTypes[format]
	if !ok {
		return nil, "", fmt.Errorf("unsupported report format %q", format)
	}

	b, err := json.Marshal(bundle)
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/render/%s", r.baseURL, format), bytes.NewReader(b))
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("renderer returned %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}

	return body, contentType, nil
}

// csvRenderer renders csv locally and refuses other formats. Useful for
// deployments without a rendering service.
type csvRenderer struct{}

func NewCSVRenderer() Renderer {
	return &csvRenderer{}
}

func (r *csvRenderer) Render(ctx context.Context, format string, bundle any) ([]byte, string, error) {
	if format != "csv" {
		return nil, "", fmt.Errorf("no renderer configured for format %q", format)
	}

	b, err := json.Marshal(bundle)
	if err != nil {
		return nil, "", err
	}

	var m map[string]any
	err = json.Unmarshal(b, &m)
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	w.Write([]string{"key", "value"})
	for k, v := range m {
		vb, _ := json.Marshal(v)
		w.Write([]string{k, string(vb)})
	}
	w.Flush()

	if err := w.Error(); err != nil {
		return nil, "", err
	}

	return buf.Bytes(), contentTypes["csv"], nil
}

// spoolStore keeps artifacts in a directory. The handle is the generated
// file name, never a caller supplied path.
type spoolStore struct {
	dir string
}

func NewSpoolStore(dir string) (ObjectStore, error) {
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, err
	}

	return &spoolStore{dir: dir}, nil
}

func (s *spoolStore) Put(ctx context.Context, name, contentType string, body []byte) (string, error) {
	handle := fmt.Sprintf("%s-%s", uuid.NewString(), filepath.Base(name))

	err := os.WriteFile(filepath.Join(s.dir, handle), body, 0o644)
	if err != nil {
		return "", err
	}

	return handle, nil
}

func (s *spoolStore) Get(ctx context.Context, handle string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.dir, filepath.Base(handle)))
}

func (s *spoolStore) Delete(ctx context.Context, handle string) error {
	err := os.Remove(filepath.Join(s.dir, filepath.Base(handle)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}
