// Package gcp holds client option helpers shared by the Google Cloud clients.
package gcp

import (
	"strings"

	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// EmulatorOptions points a client at a local emulator over plaintext gRPC without
// credentials. It returns nil when host is blank so callers can append unconditionally.
func EmulatorOptions(host string) []option.ClientOption {
	host = strings.TrimSpace(host)
	if host == "" {
		return nil
	}
	return []option.ClientOption{
		option.WithoutAuthentication(),
		option.WithEndpoint(host),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	}
}
