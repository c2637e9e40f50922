/*
Package emailauth provides passwordless, email-based user authentication with
multi-device sessions and verified email address changes.

The login flow is the following:

 1. A user wants to login. They provide their email address to
    Authenticator.RequestLogin(), which emails them a one-time code and
    returns a nonce to the requesting client.
 2. The client presents the code and the nonce to Authenticator.Login().
    If both match, the user is looked up (or created on first login), and a
    signed bearer token is returned.
 3. Authenticity of a user can be verified by Authenticator.VerifyBearer().
 4. The user can be logged out on one device by Authenticator.RevokeSession(),
    or on all devices by Authenticator.RevokeAllSessions().

Each bearer token carries a random session secret. Only the hashes of
secrets are persisted: login codes, nonces, session secrets and email change
slugs alike.

A logged in user may change their email address with
Authenticator.RequestEmailChange(), which emails a verification link to the
new address, and Authenticator.ConfirmEmailChange(), which applies the change.

Persistence is delegated to a store.Store, see the store/memstore,
store/mongostore and store/pgstore packages. Emails are sent via an injected
SendEmailFunc, see the mail package for implementations.
*/
package emailauth
