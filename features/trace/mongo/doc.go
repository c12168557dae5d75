// Package mongo stores loop span events in MongoDB. Use clients/mongo to build
// the low-level client and pass it to NewStore to obtain a telemetry.Collector
// that keeps one document per span.
package mongo
