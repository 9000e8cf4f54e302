// Package agent runs conversations between a user, a language model and the tools of a
// host.Catalog.
//
// A Loop sends the conversation to a Model, which answers either with a final answer or with a
// batch of tool calls. The calls are invoked through a host.Executor and their outcomes, failures
// included, are added to the conversation before the model is asked again.
//
// Sampler and Elicitor serve the requests servers send while their tools run, with the same
// Model: sampling is answered by the model directly, elicitation goes through the user with the
// model writing the question and interpreting the answer.
package agent
