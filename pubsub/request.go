package pubsub

import (
	"context"
	"fmt"
	"net/url"

	"golang.org/x/oauth2"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"
)

const requestParamsHeader = "x-goog-request-params"

// RequestBuilder turns a logical request into the call context it must be sent
// with (credentials, routing metadata). An error aborts the call before any
// network activity.
type RequestBuilder interface {
	Prepare(ctx context.Context, req proto.Message) (context.Context, error)
}

type RequestBuilderFunc func(ctx context.Context, req proto.Message) (context.Context, error)

func (f RequestBuilderFunc) Prepare(ctx context.Context, req proto.Message) (context.Context, error) {
	return f(ctx, req)
}

type subscriptionRequest interface {
	GetSubscription() string
}

// RoutingHeaders attaches the subscription routing parameter the service uses
// to pick a backend.
func RoutingHeaders() RequestBuilder {
	return RequestBuilderFunc(func(ctx context.Context, req proto.Message) (context.Context, error) {
		sr, ok := req.(subscriptionRequest)
		if !ok || sr.GetSubscription() == "" {
			return ctx, nil
		}
		return metadata.AppendToOutgoingContext(ctx, requestParamsHeader, "subscription="+url.QueryEscape(sr.GetSubscription())), nil
	})
}

// TokenAuth authorises each call with a token from ts.
func TokenAuth(ts oauth2.TokenSource) RequestBuilder {
	return RequestBuilderFunc(func(ctx context.Context, _ proto.Message) (context.Context, error) {
		if ts == nil {
			return nil, fmt.Errorf("token source required")
		}
		tok, err := ts.Token()
		if err != nil {
			return nil, fmt.Errorf("fetch token: %w", err)
		}
		if !tok.Valid() {
			return nil, fmt.Errorf("token source returned an invalid token")
		}
		return metadata.AppendToOutgoingContext(ctx, "authorization", tok.Type()+" "+tok.AccessToken), nil
	})
}

// ChainBuilders applies builders in order, stopping at the first failure.
func ChainBuilders(builders ...RequestBuilder) RequestBuilder {
	return RequestBuilderFunc(func(ctx context.Context, req proto.Message) (context.Context, error) {
		var err error
		for _, b := range builders {
			if b == nil {
				continue
			}
			ctx, err = b.Prepare(ctx, req)
			if err != nil {
				return nil, err
			}
		}
		return ctx, nil
	})
}
