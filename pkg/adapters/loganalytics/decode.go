package loganalytics

import (
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/ekaya-inc/tap-loganalytics/pkg/query"
)

// wire keeps numbers as json.Number so integer and float evidence survive
// until schema inference.
var wire = jsoniter.Config{
	EscapeHTML:             false,
	UseNumber:              true,
	ValidateJsonRawMessage: true,
}.Froze()

const primaryTable = "PrimaryResult"

type wireResponse struct {
	Tables   []wireTable `json:"tables"`
	Error    *wireError  `json:"error"`
	NextLink string      `json:"@odata.nextLink"`
}

type wireTable struct {
	Name    string         `json:"name"`
	Columns []query.Column `json:"columns"`
	Rows    [][]any        `json:"rows"`
}

type wireError struct {
	Code       string      `json:"code"`
	Message    string      `json:"message"`
	InnerError *wireError  `json:"innererror"`
	Details    []wireError `json:"details"`
}

// innermost returns the most specific code in the innererror chain.
func (e *wireError) innermost() (code, message string) {
	code, message = e.Code, e.Message
	for inner := e.InnerError; inner != nil; inner = inner.InnerError {
		if inner.Code != "" {
			code = inner.Code
		}
		if inner.Message != "" {
			message = inner.Message
		}
	}
	return code, message
}

func decodePage(payload []byte) (*query.Page, error) {
	var resp wireResponse
	if err := wire.Unmarshal(payload, &resp); err != nil {
		// A body that does not decode is usually a truncated transfer; report
		// it as a gateway failure so the attempt is retried.
		return nil, &query.RemoteError{StatusCode: http.StatusBadGateway, Code: "InvalidResponse", Message: err.Error()}
	}

	page := &query.Page{Continuation: resp.NextLink}
	if resp.Error != nil {
		code, msg := resp.Error.innermost()
		page.Partial = &query.PartialError{Code: code, Message: msg}
	}

	table := pickTable(resp.Tables)
	if table == nil {
		return page, nil
	}

	page.Columns = table.Columns
	page.Rows = table.Rows
	for _, row := range page.Rows {
		for i := range row {
			if i < len(table.Columns) {
				row[i] = convertValue(table.Columns[i].Type, row[i])
			}
		}
	}
	return page, nil
}

func pickTable(tables []wireTable) *wireTable {
	for i := range tables {
		if tables[i].Name == primaryTable {
			return &tables[i]
		}
	}
	if len(tables) > 0 {
		return &tables[0]
	}
	return nil
}

// convertValue turns datetime strings into time.Time and the JSON text of
// dynamic values into nested structures. Values that do not parse are
// kept as received.
func convertValue(columnType string, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch strings.ToLower(columnType) {
	case "datetime":
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC()
		}
	case "dynamic":
		trimmed := strings.TrimSpace(s)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			var decoded any
			if err := wire.UnmarshalFromString(trimmed, &decoded); err == nil {
				return decoded
			}
		}
	}
	return v
}

func decodeRemoteError(status int, payload []byte) error {
	remote := &query.RemoteError{StatusCode: status, Message: http.StatusText(status)}
	var envelope struct {
		Error *wireError `json:"error"`
	}
	if err := wire.Unmarshal(payload, &envelope); err == nil && envelope.Error != nil {
		remote.Code, remote.Message = envelope.Error.innermost()
		if remote.Message == "" {
			remote.Message = envelope.Error.Message
		}
	} else if len(payload) > 0 {
		remote.Message = strings.TrimSpace(string(payload))
	}
	return remote
}
