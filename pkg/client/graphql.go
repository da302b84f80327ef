package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// GraphQLRequest is a query with its variables.
type GraphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// GraphQLError is a single entry of the "errors" member of a response.
type GraphQLError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

// graphQLRateLimited is the error type GitHub reports when the GraphQL
// point budget of the token is spent.
const graphQLRateLimited = "RATE_LIMITED"

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []GraphQLError  `json:"errors"`
}

// GraphQL posts q to the GraphQL endpoint. On success the payload of the
// outcome is the "data" member of the response.
func (c *Client) GraphQL(ctx context.Context, q GraphQLRequest) Outcome {
	if q.Variables == nil {
		q.Variables = map[string]any{}
	}
	body, err := json.Marshal(q)
	if err != nil {
		return Outcome{Kind: KindClientError, Reason: "encode graphql request", cause: err}
	}

	return c.Execute(ctx, Request{
		Method:  http.MethodPost,
		URL:     c.config.GraphQLURL,
		Body:    body,
		graphQL: true,
	})
}

// decodeGraphQL extracts the data member of a 2xx GraphQL response.
// The boolean reports a RATE_LIMITED error.
func decodeGraphQL(body []byte) (json.RawMessage, bool, error) {
	var resp graphQLResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, false, fmt.Errorf("decode graphql response: %w", err)
	}
	if len(resp.Errors) == 0 {
		return resp.Data, false, nil
	}

	messages := make([]string, 0, len(resp.Errors))
	for _, e := range resp.Errors {
		if e.Type == graphQLRateLimited {
			return nil, true, nil
		}
		messages = append(messages, e.Message)
	}
	return nil, false, fmt.Errorf("graphql errors: %s", strings.Join(messages, "; "))
}
