/*
Package wallet implements a shared custody multi signature wallet.

A wallet is owned by an ordered set of member addresses and a required
approval threshold. Funds held under the wallet address and any change to
the wallet configuration can only be moved or applied through a proposal
that collected enough member approvals.

Members create proposals, approve or revoke their approval while a
proposal is open and finally execute it. Execution dispatches the
proposal payload with the wallet's own authority attached, so a proposal
targeting the wallet itself is the only way to add, remove or replace
members or to change the approval threshold.
*/
package wallet
