/*
Package operators holds the concrete operators of a voxflow graph: pass-through and
constant sources, voxel-wise filters, the multi-lane sparse label array and the Rag
feature operator.

Each operator embeds graph.OperatorBase, declares its slots in its constructor and is
registered with the graph it is created in:

	g := graph.NewGraph()
	src := operators.NewOpArrayPiper(g, nil)
	src.Input.SetValue(volume)
	filter := operators.NewOpBoxFilter(g, nil)
	filter.Input.Connect(src.Output)
	filter.Radius.SetValue(2)
	smoothed, err := filter.Output.Get(ctx, roi)
*/
package operators
