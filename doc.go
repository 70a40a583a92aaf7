// Package auth implements the authentication core of the taskhub admin backend:
// RS256 access/refresh token issuance, single-use account tokens, login lockout
// and the ordered access decision table evaluated before requests reach
// business handlers.
//
// Credential store:
//   - Users, organizational units and memberships are persisted through Bun.
//     Writes are stamped with the current actor taken from the context (see
//     WithActor); requests without an authenticated principal write as SYSTEM.
//
// Tokens:
//   - TokenService signs short-lived access tokens carrying roles, the full
//     admin flag and unit memberships, plus refresh tokens that can only mint
//     a new pair. Refresh tokens are not stored server side, so logout is a
//     client side discard.
//   - UserTokenService handles activation and password reset tokens. Redemption
//     deletes the row and checks the affected count, so concurrent redeemers of
//     the same value see exactly one success.
//
// Access decisions:
//   - AccessPolicy evaluates an ordered rule table against the route and the
//     principal, first match wins. Ownership checks belong to business handlers.
package auth
