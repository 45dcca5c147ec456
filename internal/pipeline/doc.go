// Package pipeline defines the types shared by every stage of an ingestion run:
// the Item that flows from fetchers to the consumer, the Source and Handler
// capabilities supplied by callers, the error kinds used to classify failures,
// and the terminal Report returned by the coordinator.
//
// The package has no dependencies on concrete sources, stores, or transports.
package pipeline
