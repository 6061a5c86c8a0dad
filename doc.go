package tinymesh

/*
TinyMesh is the runtime of one node in a service mesh. A node hosts a set of named services, serves calls to them over a
request socket and keeps itself registered with one or more gateways, which route client traffic to it.

Calls may belong to a transaction. A transaction locks the keys it touches, may register commit and rollback actions, and
is finished by a Commit or Rollback command. Keys left locked by a crashed client can be listed and released by hand.

Building TinyMesh produces two executables: node and meshctl. The first runs a host, the second is a command line client
of a host's request socket.

The `tinymesh` module is organized into the following packages:

* `host`: assembles a node from its configuration and runs it.
* `transaction`: the key lock table (`keylocker`) and the per-transaction delegate bookkeeping (`delegate`).
* `service`: the service registry, plus a demo inventory service.
* `handler` and `reception`: the command table and the per-connection request loop.
* `gateway`: keeps the node registered with every configured gateway.
* `protocol`: the frame format shared by hosts, gateways and clients.
* `client`, `api`: a Go client of the request socket and an HTTP status API.
*/
