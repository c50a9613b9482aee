package symbols

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"angelone-bridge/internal/errors"
	"angelone-bridge/internal/models"
)

const catalogJSON = `[
 {"token":"2885","symbol":"RELIANCE-EQ","name":"RELIANCE","expiry":"","strike":"-1.000000","lotsize":"1","instrumenttype":"","exch_seg":"NSE","tick_size":"5.000000"},
 {"token":"500325","symbol":"RELIANCE","name":"RELIANCE","expiry":"","strike":"-1.000000","lotsize":"1","instrumenttype":"","exch_seg":"BSE","tick_size":"5.000000"},
 {"token":"11536","symbol":"TCS-EQ","name":"TCS","expiry":"","strike":"-1.000000","lotsize":"1","instrumenttype":"","exch_seg":"NSE","tick_size":"5.000000"},
 {"token":"35001","symbol":"NIFTY30OCT25FUT","name":"NIFTY","expiry":"30OCT2025","strike":"-1.000000","lotsize":"75","instrumenttype":"FUTIDX","exch_seg":"NFO","tick_size":"10.000000"},
 {"token":"35002","symbol":"NIFTY27NOV25FUT","name":"NIFTY","expiry":"27NOV2025","strike":"-1.000000","lotsize":"75","instrumenttype":"FUTIDX","exch_seg":"NFO","tick_size":"10.000000"},
 {"token":"40001","symbol":"NIFTY30OCT2525000CE","name":"NIFTY","expiry":"30OCT2025","strike":"2500000.000000","lotsize":"75","instrumenttype":"OPTIDX","exch_seg":"NFO","tick_size":"5.000000"},
 {"token":"40002","symbol":"NIFTY30OCT2525000PE","name":"NIFTY","expiry":"30OCT2025","strike":"2500000.000000","lotsize":"75","instrumenttype":"OPTIDX","exch_seg":"NFO","tick_size":"5.000000"},
 {"token":"40003","symbol":"NIFTY06NOV2525000CE","name":"NIFTY","expiry":"06NOV2025","strike":"2500000.000000","lotsize":"75","instrumenttype":"OPTIDX","exch_seg":"NFO","tick_size":"5.000000"},
 {"token":"99","symbol":"X","name":"X","exch_seg":"NCDEX"}
]`

func loadJSON(t *testing.T) *Resolver {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scrip.json")
	if err := os.WriteFile(path, []byte(catalogJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(FileSource{Path: path}, zerolog.Nop())
	n, err := r.LoadCatalog(context.Background())
	if err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}
	if n != 8 {
		t.Fatalf("loaded %d instruments, want 8 (unsupported segment skipped)", n)
	}
	return r
}

func TestResolveScenario(t *testing.T) {
	r := NewResolver(StaticSource{{Symbol: "ABC", Exchange: "X1", Token: "1001", LotSize: 1}}, zerolog.Nop())
	if _, err := r.LoadCatalog(context.Background()); err != nil {
		t.Fatal(err)
	}

	rec, err := r.Resolve("ABC", "X1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.Token != "1001" || rec.LotSize != 1 {
		t.Errorf("got %+v", rec)
	}

	_, err = r.Resolve("ZZZ", "X1")
	if !errors.HasCode(err, errors.CodeSymbolUnknown) {
		t.Fatalf("expected unknown symbol, got %v", err)
	}
	if !strings.Contains(err.Error(), "ZZZ") {
		t.Errorf("error %q does not name the symbol", err)
	}
}

func TestResolveBeforeLoad(t *testing.T) {
	r := NewResolver(StaticSource{}, zerolog.Nop())
	_, err := r.Resolve("TCS", models.NSE)
	if !errors.Is(err, errors.ErrCatalogNotLoaded) {
		t.Fatalf("expected catalog-not-loaded, got %v", err)
	}
	if r.Loaded() {
		t.Error("resolver reports loaded")
	}
}

func TestResolveFallbacks(t *testing.T) {
	r := loadJSON(t)

	tests := []struct {
		symbol   string
		exchange models.Exchange
		token    string
	}{
		{"RELIANCE-EQ", models.NSE, "2885"},
		{"reliance", models.NSE, "2885"}, // -EQ series
		{" Reliance ", models.BSE, "500325"},
		{"tcs", "nse", "11536"},
		{"NIFTY30OCT25FUT", models.NFO, "35001"},
	}
	for _, tt := range tests {
		rec, err := r.Resolve(tt.symbol, tt.exchange)
		if err != nil {
			t.Errorf("Resolve(%q, %s): %v", tt.symbol, tt.exchange, err)
			continue
		}
		if rec.Token != tt.token {
			t.Errorf("Resolve(%q, %s) token = %s, want %s", tt.symbol, tt.exchange, rec.Token, tt.token)
		}
	}

	// NIFTY names several NFO contracts, so the name fallback is ambiguous.
	if _, err := r.Resolve("NIFTY", models.NFO); !errors.HasCode(err, errors.CodeSymbolUnknown) {
		t.Errorf("ambiguous name resolved: %v", err)
	}
	if _, err := r.Resolve("TCS", models.BSE); err == nil {
		t.Error("resolved symbol on the wrong exchange")
	}

	tok, ok := r.ResolveToken("40002", models.NFO)
	if !ok || tok.Kind != models.KindPut || tok.Strike != 25000 {
		t.Errorf("ResolveToken = %+v, %v", tok, ok)
	}
	if _, ok := r.ResolveToken("40002", models.NSE); ok {
		t.Error("ResolveToken matched a token on the wrong exchange")
	}
	if _, ok := r.ResolveToken("999999", models.NFO); ok {
		t.Error("ResolveToken matched an unknown token")
	}
}

func TestLoadCatalogCSV(t *testing.T) {
	csv := "token,symbol,name,expiry,strike,lotsize,instrumenttype,exch_seg,tick_size\n" +
		"2885,RELIANCE-EQ,RELIANCE,,-1.000000,1,,NSE,5.000000\n" +
		"35001,NIFTY30OCT25FUT,NIFTY,30OCT2025,-1.000000,75,FUTIDX,NFO,10.000000\n"
	path := filepath.Join(t.TempDir(), "scrip.csv")
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewResolver(FileSource{Path: path}, zerolog.Nop())
	if n, err := r.LoadCatalog(context.Background()); err != nil || n != 2 {
		t.Fatalf("LoadCatalog = %d, %v", n, err)
	}
	rec, err := r.Resolve("NIFTY30OCT25FUT", models.NFO)
	if err != nil {
		t.Fatal(err)
	}
	if rec.LotSize != 75 || rec.TickSize != 0.1 || rec.Kind != models.KindFuture {
		t.Errorf("got %+v", rec)
	}
}

func TestHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(catalogJSON))
	}))
	defer srv.Close()

	r := NewResolver(NewHTTPSource(srv.URL, time.Second), zerolog.Nop())
	if n, err := r.LoadCatalog(context.Background()); err != nil || n != 8 {
		t.Fatalf("LoadCatalog = %d, %v", n, err)
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()
	r2 := NewResolver(NewHTTPSource(failing.URL, time.Second), zerolog.Nop())
	if _, err := r2.LoadCatalog(context.Background()); !errors.HasCode(err, errors.CodeSymbolCatalog) {
		t.Fatalf("expected catalog error, got %v", err)
	}
}

func TestReloadKeepsOldIndexOnFailure(t *testing.T) {
	r := loadJSON(t)
	r.source = FileSource{Path: filepath.Join(t.TempDir(), "missing.json")}
	if _, err := r.LoadCatalog(context.Background()); err == nil {
		t.Fatal("expected load error")
	}
	if _, err := r.Resolve("TCS", models.NSE); err != nil {
		t.Errorf("previous index lost: %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		symbol string
		kind   models.InstrumentKind
		ok     bool
	}{
		{"RELIANCE-EQ", models.KindEquity, true},
		{"idea-be", models.KindEquity, true},
		{"NIFTY30OCT25FUT", models.KindFuture, true},
		{"BANKNIFTY30OCT2552000CE", models.KindCall, true},
		{"NIFTY30OCT2525000PE", models.KindPut, true},
		{"RELIANCE", "", false},
		{"ACE", "", false},
		{"FUTURA", "", false},
		{"FUTSOL", "", false},
	}
	for _, tt := range tests {
		kind, ok := Classify(tt.symbol)
		if kind != tt.kind || ok != tt.ok {
			t.Errorf("Classify(%q) = %s, %v; want %s, %v", tt.symbol, kind, ok, tt.kind, tt.ok)
		}
	}
}

func TestMismatchCounter(t *testing.T) {
	r := NewResolver(StaticSource{
		{Symbol: "ABC-EQ", Exchange: models.NSE, Token: "1", Kind: models.KindEquity},
		{Symbol: "ABC25FUT", Exchange: models.NFO, Token: "2", Kind: models.KindEquity},
		{Symbol: "ABC25100CE", Exchange: models.NFO, Token: "3", Kind: models.KindPut},
		{Symbol: "FUTURA", Exchange: models.BSE, Token: "4", Kind: models.KindEquity},
	}, zerolog.Nop())
	if _, err := r.LoadCatalog(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := r.Mismatches(); got != 2 {
		t.Errorf("Mismatches = %d, want 2", got)
	}
}

func TestSearchRanking(t *testing.T) {
	r := NewResolver(StaticSource{
		{Symbol: "INFY-EQ", Name: "INFOSYS", Exchange: models.NSE, Token: "1"},
		{Symbol: "INFY", Name: "INFOSYS", Exchange: models.BSE, Token: "2"},
		{Symbol: "NAUKRI-EQ", Name: "INFO EDGE", Exchange: models.NSE, Token: "3"},
		{Symbol: "BAJINFY-EQ", Name: "BAJAJ", Exchange: models.NSE, Token: "4"},
		{Symbol: "TCS-EQ", Name: "TCS", Exchange: models.NSE, Token: "5"},
	}, zerolog.Nop())
	if _, err := r.LoadCatalog(context.Background()); err != nil {
		t.Fatal(err)
	}

	var got []string
	for _, rec := range r.Search("infy") {
		got = append(got, rec.Symbol+"@"+string(rec.Exchange))
	}
	want := []string{"INFY@BSE", "INFY-EQ@NSE", "BAJINFY-EQ@NSE"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Search(infy) = %v, want %v", got, want)
	}

	if hits := r.Search("info"); len(hits) != 3 || hits[0].Symbol != "INFY" {
		t.Errorf("Search(info) = %+v", hits)
	}
	if hits := r.SearchIn("info", models.NSE, 1); len(hits) != 1 || hits[0].Exchange != models.NSE {
		t.Errorf("SearchIn limit = %+v", hits)
	}
	if hits := r.Search("  "); hits != nil {
		t.Errorf("blank query matched %d", len(hits))
	}
}

func TestNearestDerivatives(t *testing.T) {
	r := loadJSON(t)
	ist := time.FixedZone("IST", 5*3600+1800)

	fut, err := r.NearestFuture("nifty", models.NFO, time.Date(2025, 10, 16, 10, 0, 0, 0, ist))
	if err != nil || fut.Token != "35001" {
		t.Fatalf("NearestFuture = %+v, %v", fut, err)
	}
	// Expiry day itself still counts.
	fut, _ = r.NearestFuture("NIFTY", models.NFO, time.Date(2025, 10, 30, 15, 0, 0, 0, ist))
	if fut.Token != "35001" {
		t.Errorf("expiry-day future = %s", fut.Token)
	}
	fut, _ = r.NearestFuture("NIFTY", models.NFO, time.Date(2025, 10, 31, 9, 0, 0, 0, ist))
	if fut.Token != "35002" {
		t.Errorf("next-month future = %s", fut.Token)
	}

	opt, err := r.NearestOption("NIFTY", models.NFO, 25000, models.KindCall, time.Date(2025, 10, 31, 9, 0, 0, 0, ist))
	if err != nil || opt.Token != "40003" {
		t.Errorf("NearestOption = %+v, %v", opt, err)
	}
	if _, err := r.NearestOption("NIFTY", models.NFO, 26000, models.KindCall, time.Date(2025, 10, 1, 9, 0, 0, 0, ist)); err == nil {
		t.Error("found an option at a strike that does not exist")
	}
}

func TestResolveCaseInsensitiveProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("every indexed symbol resolves in any letter case", prop.ForAll(
		func(symbol string, lower bool) bool {
			r := NewResolver(StaticSource{{Symbol: symbol, Exchange: models.MCX, Token: "7"}}, zerolog.Nop())
			if _, err := r.LoadCatalog(context.Background()); err != nil {
				return false
			}
			q := strings.ToUpper(symbol)
			if lower {
				q = strings.ToLower(symbol)
			}
			rec, err := r.Resolve(q, models.MCX)
			return err == nil && rec.Token == "7"
		},
		gen.Identifier(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
