// Package server exposes the lifecycle controller and the tool hub over a
// small JSON HTTP API for operators and scripts.
//
// # Endpoints
//
//   - GET  /healthz
//   - GET  /servers                          overview of configured and unconfigured servers
//   - GET  /servers/{name}                   status of one server
//   - POST /servers/{name}/start
//   - POST /servers/{name}/stop
//   - POST /servers/{name}/restart
//   - GET  /servers/{name}/tools?cache=false
//   - POST /servers/{name}/tools/{tool}      body is the JSON argument object
//   - POST /processes/{pid}/kill?force=true
//   - GET  /scan
//
// Errors are returned as {"error": {"code": ..., "message": ...}} with a
// status code derived from the error type.
package server
