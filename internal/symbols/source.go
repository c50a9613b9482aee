package symbols

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"angelone-bridge/internal/convert"
	"angelone-bridge/internal/models"
)

// ScripMasterURL is the broker's public instrument master.
const ScripMasterURL = "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json"

// Source supplies the instrument catalog.
type Source interface {
	Fetch(ctx context.Context) ([]models.SymbolRecord, error)
	Name() string
}

// HTTPSource downloads the JSON instrument master.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// NewHTTPSource returns a source for url with a bounded timeout.
func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	if url == "" {
		url = ScripMasterURL
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPSource{URL: url, Client: &http.Client{Timeout: timeout}}
}

// Name identifies the source in logs.
func (s *HTTPSource) Name() string { return s.URL }

// Fetch downloads and converts the catalog.
func (s *HTTPSource) Fetch(ctx context.Context) ([]models.SymbolRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build catalog request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to download catalog: HTTP %d", resp.StatusCode)
	}
	return decodeJSON(resp.Body)
}

// FileSource reads a saved instrument master, JSON or CSV by extension.
type FileSource struct {
	Path string
}

// Name identifies the source in logs.
func (s FileSource) Name() string { return s.Path }

// Fetch reads and converts the file.
func (s FileSource) Fetch(ctx context.Context) ([]models.SymbolRecord, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(s.Path)) {
	case ".csv":
		var rows []*convert.BrokerInstrument
		if err := gocsv.Unmarshal(f, &rows); err != nil {
			return nil, fmt.Errorf("failed to parse catalog csv: %w", err)
		}
		return convertRows(rows), nil
	default:
		return decodeJSON(f)
	}
}

// StaticSource serves a fixed record set.
type StaticSource []models.SymbolRecord

// Name identifies the source in logs.
func (StaticSource) Name() string { return "static" }

// Fetch returns a copy of the records.
func (s StaticSource) Fetch(context.Context) ([]models.SymbolRecord, error) {
	return append([]models.SymbolRecord(nil), s...), nil
}

func decodeJSON(r io.Reader) ([]models.SymbolRecord, error) {
	var rows []*convert.BrokerInstrument
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, fmt.Errorf("failed to parse catalog json: %w", err)
	}
	return convertRows(rows), nil
}

func convertRows(rows []*convert.BrokerInstrument) []models.SymbolRecord {
	out := make([]models.SymbolRecord, 0, len(rows))
	for _, row := range rows {
		if row == nil {
			continue
		}
		if rec, ok := convert.InstrumentFromBroker(*row); ok {
			out = append(out, rec)
		}
	}
	return out
}
