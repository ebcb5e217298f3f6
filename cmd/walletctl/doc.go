// Package main (cmd/walletctl) is a command line client for walletd.
//
// Against a server started with --enable-issuer-sim a card is provisioned and
// removed with:
//
//	walletctl provision --cardholder "Jane Doe" --last-four 4242 --account acct-1
//	walletctl eligibility acct-1
//	walletctl remove acct-1
//
// The begin and supply commands split the flow for use with a real issuer:
// begin prints the challenge to forward, supply takes the issuer's response.
package main
