// Package rediscluster is a Redis Cluster client core built on
// github.com/gomodule/redigo/redis: slot-aware routing, MOVED/ASK
// redirect handling, topology discovery and refresh, and both a blocking
// (Conn) and multiplexed (AsyncClient) calling convention over one shared
// Core.
package rediscluster
