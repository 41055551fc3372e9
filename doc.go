// Package rms implements a user-account and rights-management service:
// password and federated credentials, session and auto-login state, and a
// capability-style permission model keyed by arbitrary command strings.
//
// Rights:
//   - A right is a Command, a verb+object string ("create user", "remove
//     user") identified by its SHA-1 content hash. Commands are created on
//     demand and lazily persisted into the command dictionary the first time
//     they are granted to any user.
//   - Two pseudo-rights are resolved without storage: "member of users" is
//     implicitly held by any persisted user, "member of guests" by anyone
//     without a persisted id.
//
// Identity cache:
//   - The Registry deduplicates User instances by id and username for the
//     lifetime of the process using weak references. Two lookups with an
//     equivalent key return the same instance while it remains reachable.
//     The Registry is the only factory for User construction and removal.
//
// Sessions:
//   - SessionManager binds a User to a per-visitor session store and two
//     cookies: a plaintext "logged in" hint readable by page scripts and an
//     http-only, secure-only auto-login token. Auto-login and recovery
//     tokens are stateless and self-verifying; validity is recomputed from
//     the request and the stored password hash, never looked up.
//
// All collaborators (storage, session store, cookies, logger, clock) are
// injected explicitly; the package holds no ambient globals.
package rms
