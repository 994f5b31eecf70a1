// Package rpc implements the worker RPC surface over gRPC.
//
// Messages are JSON encoded through a gRPC codec registered under the
// "json" content subtype, so no generated stubs are needed. Worker health
// uses the standard grpc.health.v1 service.
package rpc
