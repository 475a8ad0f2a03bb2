package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// readJSONFromContext unmarshals the sanitized body sanitizeBody
// stashed in the request context, rather than re-reading r.Body
// (already drained by that middleware). It decodes with UseNumber so
// integer literals preserved verbatim by marshalStable survive this
// second decode as json.Number rather than collapsing to float64.
func readJSONFromContext(r *http.Request, out any) error {
	body := bodyFromContext(r)
	if len(body) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(out)
}
