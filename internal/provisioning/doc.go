// Package provisioning turns a verified checkout event into an account and a
// subscription record.
//
// Processing walks Received -> Validated -> AccountEnsured ->
// SubscriptionPersisted -> Acknowledged. Any stage may end in Failed. Every
// store failure becomes an Outcome; nothing is rolled back, and a created
// account is left in place when a later stage fails.
package provisioning
