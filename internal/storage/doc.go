// Package storage implements the object store capability on S3 and on
// S3-compatible servers, and derives artifact keys.
package storage
