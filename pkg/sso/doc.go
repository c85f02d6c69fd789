// Package sso carries a session from the holder host to the
// sub-applications of the identity domain.
//
// # Overview
//
// Sub-applications (reelcv.reelapps.co.za, reelhunter.reelapps.co.za, ...)
// cannot read the holder's storage. An unauthenticated visitor is sent to
// https://www.reelapps.co.za/auth/sso?return_url=<current url>. The holder
// checks the return URL and the visitor's role, mints a short-lived token
// and redirects back with ?sso_token=. The sub-application redeems the
// token at POST /auth/sso/exchange and adopts the session.
//
// # Tokens
//
// Tokens are HS256 JWTs bound to the target host (aud), valid for 60
// seconds and redeemable once. The session record never travels inside
// the token; the holder parks it under sso:<jti> in a KeyValueStore and
// the exchange removes it.
//
// # Loop guards
//
// The Redirector refuses to redirect when the request is already on the
// SSO path, when return_url nests another return_url, or when a marker
// cookie shows a redirect within the last 30 seconds. It renders an error
// page instead.
//
// # Entitlements
//
// A Policy maps roles to applications. The defaults can be replaced by a
// YAML file that is reloaded on change:
//
//	roles:
//	  admin: [reelcv, reelhunter, reelskills, reelpersona, reelproject]
//	  recruiter: [reelhunter, reelpersona, reelproject]
//	  candidate: [reelcv, reelskills, reelpersona, reelproject]
package sso
