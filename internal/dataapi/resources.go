// Package dataapi is the client for the provider's REST data endpoints.
package dataapi

import (
	"fmt"
	"strings"
)

type Resource string

const (
	Recovery Resource = "recovery"
	Sleep    Resource = "sleep"
	Workout  Resource = "workout"
)

type resourceSpec struct {
	collection string
	item       string
	idField    string
}

var resourceSpecs = map[Resource]resourceSpec{
	Recovery: {collection: "/v1/recovery", item: "/v1/recovery/%s", idField: "sleep_id"},
	Sleep:    {collection: "/v1/activity/sleep", item: "/v1/activity/sleep/%s", idField: "id"},
	Workout:  {collection: "/v1/activity/workout", item: "/v1/activity/workout/%s", idField: "id"},
}

func Resources() []Resource {
	return []Resource{Recovery, Sleep, Workout}
}

func ParseResource(raw string) (Resource, error) {
	r := Resource(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := resourceSpecs[r]; !ok {
		return "", fmt.Errorf("unknown resource %q", raw)
	}
	return r, nil
}

func (r Resource) String() string {
	return string(r)
}

// IDField is the record attribute webhook object ids refer to.
func (r Resource) IDField() string {
	return resourceSpecs[r].idField
}
