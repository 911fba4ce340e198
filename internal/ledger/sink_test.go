package ledger

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/dharsanguruparan/FieldLedger/internal/logging"
	"github.com/dharsanguruparan/FieldLedger/internal/model"
)

func sampleReport() model.Report {
	return model.Report{
		SubmittedAtUTC:   "2025-03-01T09:30:00.123456+00:00",
		SubmittedAtLocal: "2025-03-01T12:30:00.123456+03:00",
		Identity:         model.Identity{UserID: 1001, Handle: "foreman"},
		ChatID:           -42,
		MessageID:        7,
		RawText:          "залили 25 м3 бетона",
		Fields:           model.Fields{WorkType: "бетонирование", Volume: "25 м3", Comment: ""},
		Status:           model.ReportAccepted,
	}
}

func TestRowColumnOrder(t *testing.T) {
	row := Row(sampleReport())

	require.Len(t, row, len(Columns))
	assert.Equal(t, []interface{}{
		"2025-03-01T12:30:00.123456+03:00",
		"1001",
		"foreman",
		"-42",
		"7",
		"залили 25 м3 бетона",
		"бетонирование",
		"25 м3",
		"",
		"accepted",
	}, row)
}

func newTestSink(t *testing.T, handler http.HandlerFunc) *SheetsSink {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	sink, err := NewSheetsSink(context.Background(), SheetsConfig{
		SpreadsheetID: "sheet-123",
		Range:         "A:J",
		Timeout:       2 * time.Second,
	}, logging.Discard(),
		option.WithEndpoint(srv.URL+"/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return sink
}

func TestSheetsSinkAppend(t *testing.T) {
	var (
		gotPath  string
		gotQuery map[string]string
		gotBody  struct {
			Values [][]string `json:"values"`
		}
	)
	sink := newTestSink(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = map[string]string{
			"valueInputOption": r.URL.Query().Get("valueInputOption"),
			"insertDataOption": r.URL.Query().Get("insertDataOption"),
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"spreadsheetId":"sheet-123","updates":{"updatedRange":"Sheet1!A2:J2","updatedRows":1}}`))
	})

	require.NoError(t, sink.Append(context.Background(), sampleReport()))

	assert.True(t, strings.HasPrefix(gotPath, "/v4/spreadsheets/sheet-123/values/"), gotPath)
	assert.True(t, strings.HasSuffix(gotPath, ":append"), gotPath)
	assert.Equal(t, "RAW", gotQuery["valueInputOption"])
	assert.Equal(t, "INSERT_ROWS", gotQuery["insertDataOption"])
	require.Len(t, gotBody.Values, 1)
	assert.Equal(t, "1001", gotBody.Values[0][1])
	assert.Equal(t, "accepted", gotBody.Values[0][9])
}

func TestSheetsSinkAppendFailure(t *testing.T) {
	sink := newTestSink(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":{"code":403,"message":"caller does not have permission"}}`))
	})

	err := sink.Append(context.Background(), sampleReport())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append row")
}

func TestNewSheetsSinkRequiresSpreadsheet(t *testing.T) {
	_, err := NewSheetsSink(context.Background(), SheetsConfig{}, logging.Discard(), option.WithoutAuthentication())
	require.Error(t, err)
}
