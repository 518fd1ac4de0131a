// Package validate holds the input-validation and secret-hygiene helpers
// used before any network call, subprocess spawn, or log write.
//
// Everything here is a pure function (the only I/O is filesystem stat for
// path checks and DNS resolution for SSRF checks, both injectable).
package validate
