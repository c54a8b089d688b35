// Package manifest loads the gateway's declared servers, clients, policy
// elements and policies from a YAML or TOML file and writes them to the store.
//
// # Format
//
//	servers:
//	  - name: files
//	    token: ${FILES_TOKEN}
//	    security_class: container
//	    transport: { type: stdio, command: mcp-files, args: [/srv] }
//	clients:
//	  - name: laptop
//	    token: ${LAPTOP_TOKEN}
//	    servers: [files]
//	elements:
//	  - { id: cond-delete, type: condition, class: tool_name, config: { names: [delete_all] } }
//	  - { id: act-block, type: action, class: block, config: { reason: no deletes } }
//	policies:
//	  - name: no-deletes
//	    severity: 2
//	    methods: [tools/call]
//	    conditions: [{ element: cond-delete }]
//	    action: { element: act-block }
//
// ${VAR} references are expanded from the environment. Unknown keys are
// errors.
//
// # Apply
//
// Applier.Check validates the manifest and resolves every policy through the
// catalog before anything is written. Apply then upserts: servers by name,
// clients by id or token, elements and policies by id. Nothing is deleted.
// Result.ServersChanged tells the caller which endpoints to reload.
//
// # Hot reload
//
// Watcher.Run follows the file with fsnotify and re-applies it once writes
// have settled. A broken manifest is logged and ignored.
package manifest
