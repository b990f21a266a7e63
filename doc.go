/*
Package engine compiles graphs of DSP nodes into programs and executes them
block by block.

# Concept

The engine separates two contexts. The control plane mutates the graph:
adds and removes nodes, connects ports, changes control values. The audio
thread repeatedly calls Realm.ProcessBlock. The only data shared between
them is the installed program, swapped atomically, and per-processor
message queues.

# Graph

Graph consists of nodes. Every node is created from a description:

	osc, err := engine.NewNode("osc", desc)

Node has typed ports. Input ports can be connected to outputs of the same
semantic type, multiple connections are summed:

	err := sinkLeft.Connect(oscOut)

Connection that makes a cycle is rejected. Unconnected control inputs are
fed by control values of the node.

# Compilation

Graph is compiled into a Program: a list of buffer declarations and an
ordered list of ops. Nodes are sorted topologically, ties are broken by
node id, so compiling the same graph state always gives the same program:

	CLEAR buf
	MIX src,dst
	MUL buf,k
	NOISE buf
	FETCH_CONTROL_VALUE cv,buf
	CONNECT_PORT processor,idx,buf
	CALL processor
	CALL_CHILD_REALM realm,left,right

# Execution

Realm owns the graph, the installed program and its buffer arena:

	r := engine.New(engine.WithHost(44100, 512))
	err := r.Setup(ctx)
	err = r.AddNode(ctx, osc)
	err = r.Connect(oscOut, sinkLeft)
	left, right, err := r.Render(bctx)

Every mutation installs a new program. Failing processors don't interrupt
the block: they become broken and output silence until the node is
re-created. Realms nest: child realm is attached as a node and its sink is
mixed into the parent on every block.
*/
package engine
