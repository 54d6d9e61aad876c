/*
Package security provides the cluster's certificate plumbing.

At first boot the conductor generates a self-signed root CA under its cert
directory, then issues a server certificate for its listener and a shared
client certificate for nodes. Node processes receive the CA certificate and
client pair out-of-band and present the client certificate when dialing.

The conductor's listener requires and verifies client certificates, so only
holders of CA-signed material can open a session.
*/
package security
