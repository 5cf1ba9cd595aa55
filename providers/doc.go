// Package providers contains the OAuth2 client shared by mail providers and
// the provider-specific clients under google/.
//
// Identity scopes (openid, email) are requested alongside the Gmail scopes so
// the authorized account can be resolved without a second consent screen.
package providers
