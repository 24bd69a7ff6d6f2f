// Package api serves the torlab control API over HTTP.
//
// Every JSON endpoint answers with the same envelope:
//
//	{"code": 0, "data": ..., "msg": "ok"}
//
// code is 0 on success and the HTTP status otherwise. Capture downloads
// and rendered reports are the exceptions; they stream their body as is.
package api
