// Command muster-proxyd runs the MCP proxy aggregator: it connects to the
// backends named in a config directory, merges their tool/resource/prompt
// catalogs, and exposes the merged, tag-filtered result to inbound MCP
// clients.
package main

func main() {
	Execute()
}
