// Package directory is an HTTP client for an external relationship-validity
// service, used when relationships are mastered outside this process.
package directory

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ehr/phiaccess/internal/platform/apperr"
)

// Validation is the oracle's answer for one (related person, patient) pair.
type Validation struct {
	Exists           bool     `json:"exists"`
	Active           bool     `json:"active"`
	Status           string   `json:"status"`
	RelationshipID   string   `json:"relationship_id"`
	RelationshipType string   `json:"relationship_type"`
	Permissions      []string `json:"permissions"`
}

type Client struct {
	http *resty.Client
}

// NewClient builds a client for baseURL. Every call is bounded by timeout;
// transient failures are retried once inside that bound.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(50*time.Millisecond).
		SetRetryMaxWaitTime(200*time.Millisecond).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	return &Client{http: c}
}

// Validate asks whether relatedPersonID holds a relationship with patientID.
// A 404 is a definite "no relationship"; transport errors and 5xx responses
// are reported as unavailable.
func (c *Client) Validate(ctx context.Context, relatedPersonID, patientID string) (Validation, error) {
	var out Validation
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"related_person_id": relatedPersonID,
			"patient_id":        patientID,
		}).
		SetResult(&out).
		Get("/relationships/validate")
	if err != nil {
		return Validation{}, apperr.Unavailable("relationship oracle: %v", err)
	}

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return Validation{}, nil
	case resp.StatusCode() >= http.StatusInternalServerError:
		return Validation{}, apperr.Unavailable("relationship oracle returned %d", resp.StatusCode())
	case resp.StatusCode() != http.StatusOK:
		return Validation{}, fmt.Errorf("relationship oracle returned unexpected status %d", resp.StatusCode())
	}

	if out.Active && !out.Exists {
		out.Exists = true
	}
	return out, nil
}
