// Package downloader fetches update artifacts over HTTP.
//
// Downloads stream into "<dest>.tmp", resume from an existing temporary file
// with a byte range request, verify the checksum and only then rename the
// file into place. Transient failures are retried with bounded exponential
// backoff; checksum mismatches are not.
package downloader
