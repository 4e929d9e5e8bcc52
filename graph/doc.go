/*
Package graph implements the lazy operator graph.  Operators declare typed input and output
slots, slots are connected output-to-input or given direct values, readiness flows
downstream as inputs become configured, and dirty regions of interest are forwarded
synchronously from each output to every connected input.  Data is pulled on demand: a
Get on an output slot calls the owning operator's Execute for exactly that region.

Slots of level 1 hold an ordered list of lanes, each a level 0 slot, so that one
operator can serve several datasets.  Connecting a level 1 input to a level 1 output
mirrors the lanes of the output.

The Graph is the arena owning every operator.  Operators refer to each other by OpID
and slot partners are non-owning references, so tearing down an operator through
Graph.Cleanup disconnects it from everything it touches.
*/
package graph
