// Package dify implements the knowledge-base backend against the Dify
// dataset API.
//
// Every synced document carries three metadata fields on the remote side:
// "url" identifies the record, "content_hash" holds the fingerprint of the
// last content written and "doc_type" holds the normalized classification.
// The fields must exist on the dataset; MissingMetadataFields reports the
// ones that do not.
package dify
