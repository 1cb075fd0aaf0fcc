// Package config loads the mcphub configuration file.
//
// The file is looked up as .mcphub.json (or .mcphub.yaml) from the working
// directory upwards, falling back to ~/.mcphub/. Its mcpServers section
// has the same shape editors use, extended with setup_script, server_path,
// ports and descriptive fields:
//
//	{
//	  // comments are allowed
//	  "mcpServers": {
//	    "github": {
//	      "command": "npx",
//	      "args": ["-y", "@modelcontextprotocol/server-github"],
//	      "env": {"GITHUB_TOKEN": "${GITHUB_TOKEN}"}
//	    },
//	    "docs": {
//	      "command": "node",
//	      "args": ["dist/index.js", "--port", "{{ .Port }}"],
//	      "server_path": "./servers/docs",
//	      "setup_script": "npm install && npm run build",
//	      "ports": [0]
//	    }
//	  },
//	  "hub": {"lifecycle": {"gracePeriod": "5s"}}
//	}
//
// Values may reference environment variables as ${NAME} or
// ${NAME:-default}. References are resolved when a server starts, from the
// process environment and then from a .env file next to the configuration.
// A reference that cannot be resolved fails the start with
// api.MissingEnvironmentVariableError.
package config
