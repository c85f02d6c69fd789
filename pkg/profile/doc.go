// Package profile loads the recruiting-domain profile attached to a
// principal.
//
// Profiles are owned by the domain database; the auth state only caches
// them. Ensure creates a missing profile from a seed (signup fields, or
// the candidate role by default), and tolerates a concurrent create by
// another context: the first insert wins and everyone reads it back.
package profile
