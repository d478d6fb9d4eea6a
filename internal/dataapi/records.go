package dataapi

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Record is one provider object. Raw holds the untouched JSON.
type Record struct {
	ID        string
	UpdatedAt time.Time
	Raw       json.RawMessage
}

type Page struct {
	Records   []Record
	NextToken string
}

// Query bounds a collection listing. Start and End must be resent unchanged
// with every NextToken of the same listing.
type Query struct {
	Start     time.Time
	End       time.Time
	Limit     int
	NextToken string
}

func parseRecord(resource Resource, raw []byte) (Record, error) {
	if !gjson.ValidBytes(raw) {
		return Record{}, fmt.Errorf("%s record: invalid json", resource)
	}
	id := gjson.GetBytes(raw, resource.IDField())
	if !id.Exists() || id.String() == "" {
		return Record{}, fmt.Errorf("%s record: missing %s", resource, resource.IDField())
	}
	updated := gjson.GetBytes(raw, "updated_at")
	updatedAt, err := time.Parse(time.RFC3339Nano, updated.String())
	if err != nil {
		return Record{}, fmt.Errorf("%s record %s: updated_at: %w", resource, id.String(), err)
	}
	return Record{
		ID:        id.String(),
		UpdatedAt: updatedAt.UTC(),
		Raw:       json.RawMessage(append([]byte(nil), raw...)),
	}, nil
}

func parsePage(resource Resource, body []byte) (Page, error) {
	if !gjson.ValidBytes(body) {
		return Page{}, fmt.Errorf("%s page: invalid json", resource)
	}
	page := Page{NextToken: gjson.GetBytes(body, "next_token").String()}
	for _, item := range gjson.GetBytes(body, "records").Array() {
		rec, err := parseRecord(resource, []byte(item.Raw))
		if err != nil {
			return Page{}, err
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}
