// Package cryptoutil holds the content digest used to identify dumped
// containers and the KMS-backed signature check for remotely supplied
// exclusion lists.
package cryptoutil
