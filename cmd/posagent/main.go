// Command posagent runs the conversational point-of-sale agent.
package main

func main() {
	Execute()
}
