// Package api holds the wire types and server configuration shared by the
// HTTP handlers and their clients.
//
// Handlers live in subpackages and expose RegisterRoutes(chi.Router) so that
// httpserver can mount them:
//
//   - verifyhandler: POST /api/public/verify, stateless signature checks
//
// Clients for each handler live next to it.
package api
