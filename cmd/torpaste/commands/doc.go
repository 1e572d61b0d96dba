// Package commands defines the torpaste CLI and wires stored state for
// subcommands.
//
// Commands
//
//   - init         Create an identity and print its address, fingerprint
//     and recovery phrase
//   - address      Print this node's onion address
//   - fingerprint  Print the identity fingerprint
//   - export       Write a password-sealed identity backup to a file
//   - import       Restore an identity from a backup file
//   - recover      Rebuild an identity from its recovery phrase
//   - contact      Manage the contact roster (add, list, remove)
//   - run          Start the messaging core and chat from the terminal
//   - wipe         Destroy all stored data
//
// # Implementation
//
// The root command resolves the data directory and configuration before
// any subcommand runs, so handlers share one open store and one config.
// Passwords come from the -p flag, the TORPASTE_PASSWORD environment
// variable, or an interactive prompt, in that order.
package commands
